package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"notify-gateway/internal/authz"
	"notify-gateway/internal/logging"
	"notify-gateway/internal/metrics"
	"notify-gateway/internal/registry"
	wsClient "notify-gateway/pkg/websocket"
)

// TokenVerifier turns a bearer token into an external subject id.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// IdentityResolver maps an external subject id to the internal user id.
type IdentityResolver interface {
	Resolve(ctx context.Context, externalSubjectID string) (string, error)
}

// ChannelFilter decides channel access for a session.
type ChannelFilter interface {
	IsAllowed(ctx context.Context, s authz.Session, channel string) bool
	PrivateChannel(s authz.Session) string
}

// ChannelRegistry is the subset of the registry the handler drives.
type ChannelRegistry interface {
	Subscribe(ctx context.Context, channel string, s registry.Socket) error
	UnsubscribeAll(s registry.Socket) []string
	ChannelCount() int
}

// BrokerStatus reports broker liveness for /health.
type BrokerStatus interface {
	Connected() bool
}

// Admission gates upgrade attempts by client IP.
type Admission interface {
	Allow(ip string) bool
}

type Config struct {
	Addr                  string
	WSPath                string
	ReadLimit             int64
	HandshakeTimeout      time.Duration
	AllowedOrigins        []string
	MaxChannelsPerRequest int

	// TrustedProxies lists the peers (IPs or CIDRs) whose X-Forwarded-For
	// header is believed. Empty means the header is ignored.
	TrustedProxies []string
}

// Deps are the collaborators the server is wired with. Limiter and Sampler
// are optional.
type Deps struct {
	Verifier TokenVerifier
	Resolver IdentityResolver
	Filter   ChannelFilter
	Registry ChannelRegistry
	Broker   BrokerStatus
	Limiter  Admission
	Metrics  *metrics.Holder
	Sampler  *metrics.SystemSampler
	Logger   zerolog.Logger
}

type Server struct {
	config   Config
	deps     Deps
	upgrader *gorilla.Upgrader
	hub      *wsClient.Hub
	logger   zerolog.Logger

	trustedProxies []netip.Prefix

	// exit terminates the process after a connection goroutine panics.
	exit func(int)

	httpServer *http.Server
	listener   net.Listener
	errCh      chan error

	admitMu  sync.Mutex
	draining bool

	// ctx outlives individual requests; hijacked connections are not
	// cancelled by http.Server.Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(config Config, deps Deps) (*Server, error) {
	switch {
	case deps.Verifier == nil:
		return nil, errors.New("server: token verifier is required")
	case deps.Resolver == nil:
		return nil, errors.New("server: identity resolver is required")
	case deps.Filter == nil:
		return nil, errors.New("server: channel filter is required")
	case deps.Registry == nil:
		return nil, errors.New("server: channel registry is required")
	case deps.Broker == nil:
		return nil, errors.New("server: broker status is required")
	case deps.Metrics == nil:
		return nil, errors.New("server: metrics holder is required")
	}
	if config.WSPath == "" {
		config.WSPath = "/ws"
	}
	if config.ReadLimit <= 0 {
		config.ReadLimit = 4096
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.MaxChannelsPerRequest <= 0 {
		config.MaxChannelsPerRequest = 20
	}

	proxies, err := parseTrustedProxies(config.TrustedProxies)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config: config,
		deps:   deps,
		upgrader: wsClient.NewUpgrader(wsClient.UpgraderConfig{
			HandshakeTimeout: config.HandshakeTimeout,
			AllowedOrigins:   config.AllowedOrigins,
		}),
		hub:    wsClient.NewHub(deps.Logger),
		logger: logging.Component(deps.Logger, "server"),
		errCh:  make(chan error, 1),
		ctx:    ctx,
		cancel: cancel,

		trustedProxies: proxies,
		exit:           os.Exit,
	}

	s.httpServer = &http.Server{
		Addr:              config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: config.HandshakeTimeout,
	}
	return s, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.WSPath, s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", promhttp.HandlerFor(s.deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	return mux
}

// Start binds the listener and serves in the background. Serve errors are
// reported on Errors.
func (s *Server) Start() error {
	ln, err := wsClient.Listen(s.ctx, s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln

	go func() {
		defer logging.FatalOnPanic(s.logger, "http_serve")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errCh <- err
		}
	}()

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Str("ws_path", s.config.WSPath).
		Msg("Gateway listening")
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Errors delivers a fatal listener error.
func (s *Server) Errors() <-chan error {
	return s.errCh
}

// admit registers an in-flight connection handler unless the server is
// draining. Each successful admit must be paired with s.wg.Done.
func (s *Server) admit() bool {
	s.admitMu.Lock()
	defer s.admitMu.Unlock()
	if s.draining {
		return false
	}
	s.wg.Add(1)
	return true
}

// Shutdown stops admitting connections, stops the HTTP listener, closes every
// socket and waits for connection handlers to finish cleanup.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down gateway")

	s.admitMu.Lock()
	s.draining = true
	s.admitMu.Unlock()

	err := s.httpServer.Shutdown(ctx)
	closed := s.hub.Shutdown()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Int("sockets_closed", closed).Msg("Gateway stopped")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown deadline reached before all connections finished")
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// parseTrustedProxies accepts bare addresses and CIDR prefixes.
func parseTrustedProxies(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("server: trusted proxy %q: %w", e, err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("server: trusted proxy %q: %w", e, err)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

// fatalOnPanic is logging.FatalOnPanic with the server's exit function.
func (s *Server) fatalOnPanic(logger zerolog.Logger, where string) {
	if r := recover(); r != nil {
		logging.LogPanic(logger, where, r)
		s.exit(1)
	}
}
