package server

import (
	"encoding/json"
	"net/http"
	"time"

	"notify-gateway/internal/logging"
	"notify-gateway/internal/metrics"
	"notify-gateway/internal/types"
)

// handleHealth is the liveness probe. It always answers 200; a broker outage
// only downgrades status to "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Metrics.Snapshot()
	brokerUp := s.deps.Broker.Connected()

	status := "ok"
	if !brokerUp {
		status = "degraded"
	}

	writeJSON(w, types.HealthResponse{
		Status:            status,
		Service:           logging.ServiceName,
		ActiveConnections: snap.ActiveConnections,
		EventsOut:         snap.EventsOut,
		AuthFailures:      snap.AuthFailures,
		BrokerConnected:   brokerUp,
		Timestamp:         snap.Timestamp.UTC().Format(time.RFC3339),
	})
}

type statsResponse struct {
	UptimeSeconds     float64              `json:"uptime_seconds"`
	ActiveConnections int64                `json:"active_connections"`
	OpenSockets       int                  `json:"open_sockets"`
	Channels          int                  `json:"channels"`
	EventsOut         int64                `json:"events_out"`
	AuthFailures      int64                `json:"auth_failures"`
	BrokerConnected   bool                 `json:"broker_connected"`
	System            *metrics.SystemStats `json:"system,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Metrics.Snapshot()
	resp := statsResponse{
		UptimeSeconds:     snap.Uptime.Seconds(),
		ActiveConnections: snap.ActiveConnections,
		OpenSockets:       s.hub.Count(),
		Channels:          s.deps.Registry.ChannelCount(),
		EventsOut:         snap.EventsOut,
		AuthFailures:      snap.AuthFailures,
		BrokerConnected:   s.deps.Broker.Connected(),
	}
	if s.deps.Sampler != nil {
		st := s.deps.Sampler.Stats()
		resp.System = &st
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}
