package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notify-gateway/internal/auth"
	"notify-gateway/internal/authz"
	"notify-gateway/internal/bridge"
	"notify-gateway/internal/metrics"
	"notify-gateway/internal/registry"
	"notify-gateway/internal/types"
)

const (
	primarySecret   = "primary-secret"
	secondarySecret = "secondary-secret"
)

// memBroker is an in-memory pub/sub that delivers Publish synchronously.
type memBroker struct {
	mu        sync.Mutex
	handlers  map[string]func(string, []byte)
	closed    map[string]int
	connected bool
	failOpen  map[string]bool
}

func newMemBroker() *memBroker {
	return &memBroker{
		handlers:  map[string]func(string, []byte){},
		closed:    map[string]int{},
		failOpen:  map[string]bool{},
		connected: true,
	}
}

func (m *memBroker) Subscribe(name string, h func(string, []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOpen[name] {
		return errors.New("broker refused subscription")
	}
	m.handlers[name] = h
	return nil
}

func (m *memBroker) Unsubscribe(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, name)
	m.closed[name]++
	return nil
}

func (m *memBroker) Publish(name string, payload []byte) error {
	m.mu.Lock()
	h := m.handlers[name]
	m.mu.Unlock()
	if h != nil {
		h(name, payload)
	}
	return nil
}

func (m *memBroker) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *memBroker) Close() error { return nil }

func (m *memBroker) isOpen(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handlers[name]
	return ok
}

func (m *memBroker) closeCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed[name]
}

type lookupFunc func(subject string) (*auth.User, error)

func (f lookupFunc) LookupUser(_ context.Context, subject string) (*auth.User, error) {
	return f(subject)
}

type mapResolver map[string]string

func (m mapResolver) Resolve(_ context.Context, subject string) (string, error) {
	id, ok := m[subject]
	if !ok {
		return "", errors.New("identity service returned status 404")
	}
	return id, nil
}

type denyAll struct{}

func (denyAll) Allow(string) bool { return false }

type admitFunc func(ip string) bool

func (f admitFunc) Allow(ip string) bool { return f(ip) }

type harness struct {
	srv      *Server
	http     *httptest.Server
	broker   *memBroker
	registry *registry.Registry
	metrics  *metrics.Holder
	exits    chan int
}

func newHarness(t *testing.T, mutate func(*Config, *Deps)) *harness {
	t.Helper()
	logger := zerolog.Nop()

	users := lookupFunc(func(subject string) (*auth.User, error) {
		if subject == "ghost" {
			return nil, auth.ErrUserNotFound
		}
		return &auth.User{ID: subject}, nil
	})
	primary, err := auth.NewJWTContext(auth.JWTContextConfig{Name: "primary", Secret: primarySecret}, users)
	require.NoError(t, err)
	secondary, err := auth.NewJWTContext(auth.JWTContextConfig{Name: "secondary", Secret: secondarySecret}, users)
	require.NoError(t, err)
	verifier, err := auth.NewVerifier([]auth.SigningContext{primary, secondary}, logger)
	require.NoError(t, err)

	m := metrics.New()
	mb := newMemBroker()
	br := bridge.New(mb, logger)
	reg := registry.New(br, m, logger)
	br.Attach(reg)

	cfg := Config{
		WSPath:                "/ws",
		ReadLimit:             4096,
		HandshakeTimeout:      2 * time.Second,
		MaxChannelsPerRequest: 3,
	}
	deps := Deps{
		Verifier: verifier,
		Resolver: mapResolver{"user_ext_42": "42", "user_ext_7": "7"},
		Filter: authz.NewFilter(authz.Rules{
			PrivatePrefix:  "dashboard:",
			ScopedPrefixes: []string{"dashboard:recruiter:"},
			Broadcast:      []string{"dashboard:activity"},
		}, nil, logger),
		Registry: reg,
		Broker:   br,
		Metrics:  m,
		Sampler:  metrics.NewSystemSampler(),
		Logger:   logger,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	srv, err := New(cfg, deps)
	require.NoError(t, err)
	exits := make(chan int, 4)
	srv.exit = func(code int) { exits <- code }
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	return &harness{srv: srv, http: hs, broker: mb, registry: reg, metrics: m, exits: exits}
}

func (h *harness) wsURL(token string) string {
	u := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func token(t *testing.T, secret, subject string) string {
	t.Helper()
	tok, err := auth.GenerateHS256(secret, subject, "", time.Minute)
	require.NoError(t, err)
	return tok
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	return msg
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, code, ce.Code)
}

// connect completes a handshake and returns the socket after hello.
func (h *harness) connect(t *testing.T, subject string) *websocket.Conn {
	t.Helper()
	conn := dial(t, h.wsURL(token(t, primarySecret, subject)))
	var hello types.HelloMessage
	require.NoError(t, json.Unmarshal(readFrame(t, conn), &hello))
	require.Equal(t, types.MessageTypeHello, hello.Type)
	return conn
}

func subscribe(t *testing.T, conn *websocket.Conn, channels ...string) {
	t.Helper()
	msg, err := json.Marshal(types.SubscribeRequest{Type: types.MessageTypeSubscribe, Channels: channels})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, msg))
}

func (h *harness) waitSubscribers(t *testing.T, channel string, n int) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return len(h.registry.Subscribers(channel)) == n
	}, 2*time.Second, 10*time.Millisecond, "channel %s should have %d subscribers", channel, n)
}

func TestHandshake_MissingToken(t *testing.T) {
	h := newHarness(t, nil)

	conn := dial(t, h.wsURL(""))
	expectClose(t, conn, types.CloseMissingToken)

	assert.Equal(t, int64(0), h.metrics.ActiveConnections())
	assert.Equal(t, int64(1), h.metrics.AuthFailures())
}

func TestHandshake_InvalidToken(t *testing.T) {
	h := newHarness(t, nil)

	conn := dial(t, h.wsURL(token(t, "some-other-secret", "user_ext_42")))
	expectClose(t, conn, types.CloseInvalidToken)
	assert.Equal(t, int64(1), h.metrics.AuthFailures())
}

func TestHandshake_UnknownProviderUserIsInvalidToken(t *testing.T) {
	h := newHarness(t, nil)

	conn := dial(t, h.wsURL(token(t, primarySecret, "ghost")))
	expectClose(t, conn, types.CloseInvalidToken)
}

func TestHandshake_SecondSigningContext(t *testing.T) {
	h := newHarness(t, nil)

	conn := dial(t, h.wsURL(token(t, secondarySecret, "user_ext_42")))
	var hello types.HelloMessage
	require.NoError(t, json.Unmarshal(readFrame(t, conn), &hello))

	assert.Equal(t, types.MessageTypeHello, hello.Type)
	assert.Equal(t, 1, hello.EventVersion)
	_, err := time.Parse(time.RFC3339Nano, hello.ServerTime)
	assert.NoError(t, err)
}

func TestHandshake_IdentityNotFound(t *testing.T) {
	h := newHarness(t, nil)

	conn := dial(t, h.wsURL(token(t, primarySecret, "user_without_record")))
	expectClose(t, conn, types.CloseIdentityNotFound)

	assert.Equal(t, int64(1), h.metrics.AuthFailures())
	assert.Equal(t, int64(0), h.metrics.ActiveConnections())
}

func TestHandshake_PrivateSubscribeFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.broker.failOpen["dashboard:42"] = true

	conn := dial(t, h.wsURL(token(t, primarySecret, "user_ext_42")))
	expectClose(t, conn, types.CloseInternalError)
	assert.Empty(t, h.registry.Subscribers("dashboard:42"))
}

func TestHandshake_HelloAfterPrivateSubscription(t *testing.T) {
	h := newHarness(t, nil)

	h.connect(t, "user_ext_42")

	assert.Len(t, h.registry.Subscribers("dashboard:42"), 1)
	assert.True(t, h.broker.isOpen("dashboard:42"))
	assert.Equal(t, int64(1), h.metrics.ActiveConnections())
}

// eagerRegistry dispatches an event on a channel the moment a socket joins
// it, before the caller regains control.
type eagerRegistry struct {
	*registry.Registry
	payload []byte
}

func (e eagerRegistry) Subscribe(ctx context.Context, channel string, s registry.Socket) error {
	if err := e.Registry.Subscribe(ctx, channel, s); err != nil {
		return err
	}
	e.Registry.Dispatch(channel, e.payload)
	return nil
}

func TestHandshake_HelloPrecedesEarlyEvents(t *testing.T) {
	payload := []byte(`{"type":"application.updated","data":{"id":"app_9"}}`)
	h := newHarness(t, func(_ *Config, d *Deps) {
		d.Registry = eagerRegistry{Registry: d.Registry.(*registry.Registry), payload: payload}
	})

	conn := dial(t, h.wsURL(token(t, primarySecret, "user_ext_42")))

	var hello types.HelloMessage
	require.NoError(t, json.Unmarshal(readFrame(t, conn), &hello))
	assert.Equal(t, types.MessageTypeHello, hello.Type)
	assert.Equal(t, payload, readFrame(t, conn))
}

// explodingFilter panics when asked about the channel "boom".
type explodingFilter struct {
	ChannelFilter
}

func (f explodingFilter) IsAllowed(ctx context.Context, s authz.Session, channel string) bool {
	if channel == "boom" {
		panic("filter exploded")
	}
	return f.ChannelFilter.IsAllowed(ctx, s, channel)
}

func TestConnectionPanicExitsProcess(t *testing.T) {
	h := newHarness(t, func(_ *Config, d *Deps) {
		d.Filter = explodingFilter{ChannelFilter: d.Filter}
	})
	conn := h.connect(t, "user_ext_42")

	subscribe(t, conn, "boom")

	select {
	case code := <-h.exits:
		assert.Equal(t, 1, code)
	case <-time.After(2 * time.Second):
		t.Fatal("panic in a connection goroutine did not exit the process")
	}

	// Socket cleanup ran before the exit.
	h.waitSubscribers(t, "dashboard:42", 0)
	assert.Eventually(t, func() bool { return h.metrics.ActiveConnections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandshake_NoExitOnNormalClose(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t, "user_ext_42")
	require.NoError(t, conn.Close())
	h.waitSubscribers(t, "dashboard:42", 0)

	select {
	case code := <-h.exits:
		t.Fatalf("unexpected exit(%d)", code)
	default:
	}
}

func TestActive_DeniedChannelIsSilent(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t, "user_ext_42")

	subscribe(t, conn, "dashboard:activity", "dashboard:43")
	h.waitSubscribers(t, "dashboard:activity", 1)

	assert.Empty(t, h.registry.Subscribers("dashboard:43"))
	assert.False(t, h.broker.isOpen("dashboard:43"))

	// No frame may arrive for the denied channel.
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	var netErr interface{ Timeout() bool }
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestActive_BatchCap(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t, "user_ext_42")

	subscribe(t, conn, "dashboard:activity", "dashboard:recruiter:a", "dashboard:recruiter:b", "dashboard:recruiter:c")

	var notice types.SystemNotice
	require.NoError(t, json.Unmarshal(readFrame(t, conn), &notice))
	assert.Equal(t, types.MessageTypeSystemNotice, notice.Type)
	assert.Equal(t, types.NoticeTooManyChannels, notice.Reason)

	assert.Equal(t, 1, h.registry.ChannelCount(), "only the private channel is live")
}

func TestActive_DuplicatesCountOnceTowardCap(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t, "user_ext_42")

	subscribe(t, conn, "dashboard:activity", "dashboard:activity", "dashboard:activity", "dashboard:activity")
	h.waitSubscribers(t, "dashboard:activity", 1)
}

func TestActive_MalformedFrameKeepsSession(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t, "user_ext_42")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"unsubscribe","channels":["x"]}`)))
	subscribe(t, conn, "dashboard:activity")

	h.waitSubscribers(t, "dashboard:activity", 1)
}

func TestActive_BrokerPayloadForwardedVerbatim(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t, "user_ext_42")

	payload := []byte(`{"type":"application.updated","data":{"id":"app_1","stage":"offer"}}`)
	require.NoError(t, h.broker.Publish("dashboard:42", payload))

	assert.Equal(t, payload, readFrame(t, conn))
	assert.Equal(t, int64(1), h.metrics.EventsOut())
}

func TestClose_LastSubscriberClosesBroker(t *testing.T) {
	h := newHarness(t, nil)
	first := h.connect(t, "user_ext_42")
	second := h.connect(t, "user_ext_7")

	subscribe(t, first, "dashboard:activity")
	subscribe(t, second, "dashboard:activity")
	h.waitSubscribers(t, "dashboard:activity", 2)

	require.NoError(t, first.Close())
	h.waitSubscribers(t, "dashboard:activity", 1)
	assert.Empty(t, h.registry.Subscribers("dashboard:42"))
	assert.False(t, h.broker.isOpen("dashboard:42"))

	payload := []byte(`{"type":"activity","n":1}`)
	require.NoError(t, h.broker.Publish("dashboard:activity", payload))
	assert.Equal(t, payload, readFrame(t, second))

	require.NoError(t, second.Close())
	h.waitSubscribers(t, "dashboard:activity", 0)
	assert.Eventually(t, func() bool {
		return !h.broker.isOpen("dashboard:activity") && h.broker.closeCount("dashboard:activity") == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return h.metrics.ActiveConnections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestAdmission_RateLimited(t *testing.T) {
	h := newHarness(t, func(_ *Config, d *Deps) { d.Limiter = denyAll{} })

	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL(token(t, primarySecret, "user_ext_42")), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t, "user_ext_42")
	dial(t, h.wsURL(""))

	assert.Eventually(t, func() bool { return h.metrics.AuthFailures() == 1 }, time.Second, 10*time.Millisecond)

	resp, err := http.Get(h.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body types.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "notify-gateway", body.Service)
	assert.Equal(t, int64(1), body.ActiveConnections)
	assert.Equal(t, int64(1), body.AuthFailures)
	assert.True(t, body.BrokerConnected)
	assert.NotEmpty(t, body.Timestamp)
}

func TestHealth_DegradedStillOK(t *testing.T) {
	h := newHarness(t, nil)
	h.broker.mu.Lock()
	h.broker.connected = false
	h.broker.mu.Unlock()

	resp, err := http.Get(h.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body types.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "degraded", body.Status)
	assert.False(t, body.BrokerConnected)

	// Connections are still admitted while the broker is down.
	h.connect(t, "user_ext_42")
}

func TestStatsAndMetrics(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t, "user_ext_42")

	resp, err := http.Get(h.http.URL + "/stats")
	require.NoError(t, err)
	var stats statsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	assert.Equal(t, 1, stats.Channels)
	assert.NotNil(t, stats.System)

	resp, err = http.Get(h.http.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "gateway_connections_active 1")
}

func TestShutdown(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.Addr = "127.0.0.1:0" })
	require.NoError(t, h.srv.Start())

	url := "ws://" + h.srv.Addr() + "/ws?token=" + token(t, primarySecret, "user_ext_42")
	conn := dial(t, url)
	readFrame(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.srv.Shutdown(ctx))

	expectClose(t, conn, websocket.CloseGoingAway)
	assert.Equal(t, 0, h.registry.ChannelCount())
	assert.Equal(t, int64(0), h.metrics.ActiveConnections())

	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}

func TestGetClientIP(t *testing.T) {
	trusted, err := parseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.10"})
	require.NoError(t, err)

	tests := []struct {
		name      string
		remote    string
		forwarded string
		trusted   []netip.Prefix
		want      string
	}{
		{name: "direct peer", remote: "198.51.100.4:5555", want: "198.51.100.4"},
		{name: "header ignored without trusted proxies", remote: "10.1.2.3:5555", forwarded: "203.0.113.9", want: "10.1.2.3"},
		{name: "header ignored from untrusted peer", remote: "198.51.100.4:5555", forwarded: "203.0.113.9", trusted: trusted, want: "198.51.100.4"},
		{name: "trusted proxy", remote: "10.1.2.3:5555", forwarded: "203.0.113.9", trusted: trusted, want: "203.0.113.9"},
		{name: "spoofed leading hop skipped", remote: "10.1.2.3:5555", forwarded: "1.1.1.1, 203.0.113.9, 10.0.0.7", trusted: trusted, want: "203.0.113.9"},
		{name: "single trusted address", remote: "192.0.2.10:80", forwarded: "203.0.113.9", trusted: trusted, want: "203.0.113.9"},
		{name: "all hops trusted", remote: "10.1.2.3:5555", forwarded: "10.0.0.8, 10.0.0.7", trusted: trusted, want: "10.0.0.8"},
		{name: "trusted proxy without header", remote: "10.1.2.3:5555", trusted: trusted, want: "10.1.2.3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.RemoteAddr = tt.remote
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			assert.Equal(t, tt.want, getClientIP(r, tt.trusted))
		})
	}
}

func TestNew_RejectsBadTrustedProxy(t *testing.T) {
	_, err := parseTrustedProxies([]string{"proxy.internal"})
	assert.Error(t, err)

	h := newHarness(t, nil)
	_, err = New(Config{TrustedProxies: []string{"10.0.0.0/33"}}, h.srv.deps)
	assert.Error(t, err)
}

func TestAdmission_SpoofedForwardedForSharesBucket(t *testing.T) {
	seen := make(chan string, 4)
	h := newHarness(t, func(_ *Config, d *Deps) {
		d.Limiter = admitFunc(func(ip string) bool {
			seen <- ip
			return true
		})
	})

	header := http.Header{"X-Forwarded-For": []string{"203.0.113.77"}}
	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL(token(t, primarySecret, "user_ext_42")), header)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "127.0.0.1", <-seen)
}
