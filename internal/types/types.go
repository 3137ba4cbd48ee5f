package types

import (
	"time"
)

// Message types
type MessageType string

const (
	MessageTypeHello        MessageType = "hello"
	MessageTypeSystemNotice MessageType = "system.notice"
	MessageTypeSubscribe    MessageType = "subscribe"
)

// EventVersion is the protocol version announced in the hello frame.
const EventVersion = 1

// Notice reasons
const (
	NoticeTooManyChannels = "too_many_channels"
)

// Application close codes. Values are part of the client contract and must
// stay stable.
const (
	CloseMissingToken     = 4001
	CloseInvalidToken     = 4002
	CloseIdentityNotFound = 4003
	CloseInternalError    = 4500
)

// CloseReason returns the short reason text sent with a close code.
func CloseReason(code int) string {
	switch code {
	case CloseMissingToken:
		return "missing token"
	case CloseInvalidToken:
		return "invalid token"
	case CloseIdentityNotFound:
		return "identity not found"
	case CloseInternalError:
		return "internal error"
	default:
		return ""
	}
}

// Base message structure
type BaseMessage struct {
	Type MessageType `json:"type"`
}

// HelloMessage acknowledges a completed handshake.
type HelloMessage struct {
	Type         MessageType `json:"type"`
	EventVersion int         `json:"eventVersion"`
	ServerTime   string      `json:"serverTime"`
}

// NewHello builds the hello frame for the given instant.
func NewHello(now time.Time) HelloMessage {
	return HelloMessage{
		Type:         MessageTypeHello,
		EventVersion: EventVersion,
		ServerTime:   now.UTC().Format(time.RFC3339Nano),
	}
}

// SystemNotice tells the client a request was rejected as a whole.
type SystemNotice struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason"`
}

func NewNotice(reason string) SystemNotice {
	return SystemNotice{Type: MessageTypeSystemNotice, Reason: reason}
}

// SubscribeRequest is the only inbound message shape.
type SubscribeRequest struct {
	Type     MessageType `json:"type"`
	Channels []string    `json:"channels"`
}

// Dedupe returns the distinct non-empty channel names in first-seen order.
func (r SubscribeRequest) Dedupe() []string {
	seen := make(map[string]struct{}, len(r.Channels))
	out := make([]string, 0, len(r.Channels))
	for _, ch := range r.Channels {
		if ch == "" {
			continue
		}
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	return out
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status            string `json:"status"`
	Service           string `json:"service"`
	ActiveConnections int64  `json:"active_connections"`
	EventsOut         int64  `json:"events_out"`
	AuthFailures      int64  `json:"auth_failures"`
	BrokerConnected   bool   `json:"broker_connected"`
	Timestamp         string `json:"timestamp"`
}
