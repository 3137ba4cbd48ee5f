package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"

	"notify-gateway/internal/authz"
	"notify-gateway/internal/types"
	wsClient "notify-gateway/pkg/websocket"
)

// TokenParam is the query parameter carrying the bearer token. Browsers
// cannot set headers on a WebSocket upgrade.
const TokenParam = "token"

// handshakeError carries the close code for a failed handshake. The cause is
// logged, never sent.
type handshakeError struct {
	code   int
	reason string
	cause  error
}

func (e *handshakeError) Error() string {
	if e.cause == nil {
		return e.reason
	}
	return e.reason + ": " + e.cause.Error()
}

func (e *handshakeError) Unwrap() error { return e.cause }

var (
	errMissingToken   = errors.New("no token in connection URL")
	errHelloNotQueued = errors.New("hello frame could not be queued")
)

// handleWebSocket runs one connection from upgrade to cleanup on the request
// goroutine: Connecting -> Authenticating -> Active -> Closed.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := getClientIP(r, s.trustedProxies)

	if !s.admit() {
		s.logger.Debug().Str("client_ip", clientIP).Msg("Connection rejected: server shutting down")
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	if s.deps.Limiter != nil && !s.deps.Limiter.Allow(clientIP) {
		s.logger.Warn().Str("client_ip", clientIP).Msg("Connection rejected: rate limit exceeded")
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	token := r.URL.Query().Get(TokenParam)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error response.
		s.logger.Warn().Err(err).Str("client_ip", clientIP).Msg("WebSocket upgrade failed")
		s.deps.Metrics.RecordError("websocket_upgrade")
		return
	}

	client := wsClient.NewClient(conn, uuid.NewString(), s.deps.Metrics, s.deps.Logger)
	log := s.logger.With().Str("conn_id", client.ID()).Str("client_ip", clientIP).Logger()
	defer s.fatalOnPanic(log, "connection")
	defer client.Close()

	if !s.hub.Register(client) {
		client.CloseWith(wsClient.CloseGoingAway, "server shutting down")
		return
	}
	defer s.hub.Unregister(client)

	session, err := s.handshake(client, token, time.Now())
	if err != nil {
		var he *handshakeError
		if !errors.As(err, &he) {
			he = &handshakeError{code: types.CloseInternalError, reason: "internal", cause: err}
		}
		log.Warn().Err(he.cause).Int("close_code", he.code).Str("reason", he.reason).Msg("Handshake failed")
		client.CloseWith(he.code, types.CloseReason(he.code))
		return
	}

	log = log.With().Str("user_id", session.InternalUserID).Logger()
	log.Info().Msg("Session established")

	defer func() {
		// Runs exactly once per socket, whichever side closed it.
		released := s.deps.Registry.UnsubscribeAll(client)
		s.deps.Metrics.ConnectionClosed(time.Since(client.ConnectedAt))
		log.Info().Int("channels_released", len(released)).Msg("Session closed")
	}()

	err = client.ReadLoop(s.config.ReadLimit, func(message []byte) {
		s.handleMessage(client, session, message)
	})
	if err != nil && !errors.Is(err, wsClient.ErrClosed) {
		log.Debug().Err(err).Msg("Read loop ended")
	}
}

// handshake authenticates, resolves the identity and registers the private
// channel, then sends hello. The hello frame is queued only after the
// private subscription is live.
func (s *Server) handshake(client *wsClient.Client, token string, started time.Time) (authz.Session, error) {
	if token == "" {
		s.deps.Metrics.AuthFailure("missing_token")
		return authz.Session{}, &handshakeError{code: types.CloseMissingToken, reason: "missing_token", cause: errMissingToken}
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.config.HandshakeTimeout)
	defer cancel()

	subject, err := s.deps.Verifier.Verify(ctx, token)
	if err != nil {
		s.deps.Metrics.AuthFailure("invalid_token")
		return authz.Session{}, &handshakeError{code: types.CloseInvalidToken, reason: "invalid_token", cause: err}
	}

	userID, err := s.deps.Resolver.Resolve(ctx, subject)
	if err != nil {
		s.deps.Metrics.AuthFailure("identity_not_found")
		return authz.Session{}, &handshakeError{code: types.CloseIdentityNotFound, reason: "identity_not_found", cause: err}
	}

	session := authz.Session{ExternalSubjectID: subject, InternalUserID: userID}

	// Hello heads the send buffer, so events dispatched as soon as the
	// private subscription is live queue behind it. The write pump is not
	// running yet; nothing reaches the wire before Start.
	if !client.SendJSON(types.NewHello(time.Now())) {
		return authz.Session{}, &handshakeError{code: types.CloseInternalError, reason: "hello", cause: errHelloNotQueued}
	}

	if err := s.deps.Registry.Subscribe(ctx, s.deps.Filter.PrivateChannel(session), client); err != nil {
		s.deps.Metrics.RecordError("private_subscribe")
		return authz.Session{}, &handshakeError{code: types.CloseInternalError, reason: "private_subscribe", cause: err}
	}

	s.deps.Metrics.ConnectionOpened(time.Since(started))
	client.Start()
	return session, nil
}

// handleMessage processes one inbound frame. Nothing here closes the socket.
func (s *Server) handleMessage(client *wsClient.Client, session authz.Session, message []byte) {
	var req types.SubscribeRequest
	if err := json.Unmarshal(message, &req); err != nil {
		s.logger.Debug().Err(err).Str("conn_id", client.ID()).Msg("Ignoring malformed frame")
		s.deps.Metrics.RecordError("message_parse")
		return
	}
	if req.Type != types.MessageTypeSubscribe {
		s.logger.Debug().Str("conn_id", client.ID()).Str("type", string(req.Type)).Msg("Ignoring unknown message type")
		s.deps.Metrics.RecordError("unknown_message_type")
		return
	}

	channels := req.Dedupe()
	if len(channels) > s.config.MaxChannelsPerRequest {
		s.deps.Metrics.SubscribeRejected()
		client.SendJSON(types.NewNotice(types.NoticeTooManyChannels))
		return
	}

	for _, ch := range channels {
		if !s.deps.Filter.IsAllowed(s.ctx, session, ch) {
			s.deps.Metrics.SubscribeDenied()
			continue
		}
		if err := s.deps.Registry.Subscribe(s.ctx, ch, client); err != nil {
			s.logger.Warn().Err(err).Str("conn_id", client.ID()).Str("channel", ch).Msg("Subscribe failed")
			s.deps.Metrics.RecordError("subscribe")
		}
	}
}

// getClientIP returns the peer address, or the nearest untrusted hop of
// X-Forwarded-For when the peer is a trusted proxy.
func getClientIP(r *http.Request, trusted []netip.Prefix) string {
	remote, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remote = r.RemoteAddr
	}
	if !isTrusted(remote, trusted) {
		return remote
	}

	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" {
		return remote
	}
	hops := strings.Split(forwarded, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop != "" && !isTrusted(hop, trusted) {
			return hop
		}
	}
	// Every hop is one of ours.
	return strings.TrimSpace(hops[0])
}

func isTrusted(ip string, trusted []netip.Prefix) bool {
	if len(trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
