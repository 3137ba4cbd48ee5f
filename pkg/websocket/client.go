package websocket

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"notify-gateway/internal/logging"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Outbound frames buffered per client before frames are dropped
	sendBufferSize = 256
)

// ReadyState mirrors the browser WebSocket readyState values that matter here.
type ReadyState int32

const (
	StateOpen ReadyState = iota + 1
	StateClosing
	StateClosed
)

// CloseGoingAway is sent to clients when the gateway shuts down.
const CloseGoingAway = websocket.CloseGoingAway

// ErrClosed is returned by ReadLoop once the client has been closed locally.
var ErrClosed = errors.New("websocket client closed")

// Recorder counts socket-level errors.
type Recorder interface {
	RecordError(errorType string)
}

// UpgraderConfig builds the gorilla upgrader.
type UpgraderConfig struct {
	HandshakeTimeout time.Duration
	AllowedOrigins   []string
}

// NewUpgrader returns an upgrader that accepts any origin when allowed is empty.
func NewUpgrader(cfg UpgraderConfig) *websocket.Upgrader {
	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		if o != "" {
			allowed[o] = struct{}{}
		}
	}
	return &websocket.Upgrader{
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			_, ok := allowed[r.Header.Get("Origin")]
			return ok
		},
	}
}

// Client owns one websocket connection. All data frames go through the send
// buffer and a single write pump; control frames use WriteControl, which
// gorilla allows concurrently with the pump.
type Client struct {
	conn *websocket.Conn
	id   string

	send      chan []byte
	done      chan struct{}
	state     atomic.Int32
	closeOnce sync.Once
	pumpOnce  sync.Once

	ConnectedAt time.Time

	metrics Recorder
	logger  zerolog.Logger
}

func NewClient(conn *websocket.Conn, id string, metrics Recorder, logger zerolog.Logger) *Client {
	c := &Client{
		conn:        conn,
		id:          id,
		send:        make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
		ConnectedAt: time.Now(),
		metrics:     metrics,
		logger:      logger.With().Str("conn_id", id).Logger(),
	}
	c.state.Store(int32(StateOpen))
	return c
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) State() ReadyState {
	return ReadyState(c.state.Load())
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Send queues payload without blocking. It returns false when the client is
// not open or its buffer is full; a full buffer drops the frame.
func (c *Client) Send(payload []byte) bool {
	if c.State() != StateOpen {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		c.logger.Warn().Msg("Send buffer full, dropping frame")
		c.metrics.RecordError("send_buffer_full")
		return false
	}
}

// SendJSON marshals v and queues it.
func (c *Client) SendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to marshal outbound frame")
		c.metrics.RecordError("marshal")
		return false
	}
	return c.Send(data)
}

// Start launches the write pump. Calling it more than once is a no-op.
func (c *Client) Start() {
	c.pumpOnce.Do(func() { go c.writePump() })
}

// writePump drains the send buffer and keeps the connection alive with pings.
func (c *Client) writePump() {
	defer logging.FatalOnPanic(c.logger, "write_pump")
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug().Err(err).Msg("Write failed")
				c.metrics.RecordError("websocket_write")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug().Err(err).Msg("Ping failed")
				c.metrics.RecordError("websocket_ping")
				return
			}
		}
	}
}

// ReadLoop reads frames until the connection fails. Each text or binary frame
// is passed to handle on the calling goroutine. The returned error is never
// nil.
func (c *Client) ReadLoop(readLimit int64, handle func(message []byte)) error {
	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if c.State() != StateOpen {
				return ErrClosed
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debug().Err(err).Msg("Unexpected close")
				c.metrics.RecordError("websocket_read")
			}
			return err
		}
		handle(message)
	}
}

// CloseWith sends a close frame carrying code and reason, then closes the
// connection. Only the first close takes effect.
func (c *Client) CloseWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		msg := websocket.FormatCloseMessage(code, reason)
		if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
			c.logger.Debug().Err(err).Int("code", code).Msg("Close frame not delivered")
		}
		c.finish()
	})
}

// Close closes the connection without an application close code.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		c.finish()
	})
}

func (c *Client) finish() {
	close(c.done)
	c.conn.Close()
	c.state.Store(int32(StateClosed))
}
