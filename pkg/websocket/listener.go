package websocket

import (
	"context"
	"net"
	"time"
)

// TCP keepalive timing for accepted connections.
const (
	keepAliveIdle     = 30 * time.Second
	keepAliveInterval = 10 * time.Second
	keepAliveCount    = 3
)

// Listen opens a TCP listener whose accepted connections carry kernel
// keepalive probes in addition to the websocket ping cycle.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   true,
			Idle:     keepAliveIdle,
			Interval: keepAliveInterval,
			Count:    keepAliveCount,
		},
	}
	return lc.Listen(ctx, "tcp", addr)
}
