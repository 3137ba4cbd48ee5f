package main

import (
	"fmt"

	"github.com/rs/zerolog"

	"notify-gateway/internal/auth"
	"notify-gateway/internal/bridge"
	"notify-gateway/internal/config"
	"notify-gateway/internal/logging"
	"notify-gateway/internal/metrics"
	natsClient "notify-gateway/pkg/nats"
	redisClient "notify-gateway/pkg/redis"
)

// connectBroker dials the configured broker. The initial connection must
// succeed; later drops are handled by the client's own reconnect logic.
func connectBroker(cfg *config.Config, m *metrics.Holder, logger zerolog.Logger) (bridge.Broker, error) {
	switch cfg.BrokerKind {
	case "nats":
		c, err := natsClient.NewClient(natsClient.Config{
			URL:             cfg.NATSURL,
			Name:            logging.ServiceName,
			MaxReconnects:   cfg.NATSMaxReconnects,
			ReconnectWait:   cfg.NATSReconnectWait,
			ReconnectJitter: cfg.NATSReconnectJitter,
			MaxPingsOut:     cfg.NATSMaxPingsOut,
			PingInterval:    cfg.NATSPingInterval,
		}, m, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "redis":
		c, err := redisClient.NewClient(redisClient.Config{URL: cfg.RedisURL}, m, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.BrokerKind)
	}
}

// buildVerifier creates one JWT signing context per enabled config entry, in
// configured order.
func buildVerifier(cfg *config.Config, logger zerolog.Logger) (*auth.Verifier, error) {
	var contexts []auth.SigningContext
	for _, sc := range cfg.SigningContexts() {
		lookup := auth.NewProviderLookup(sc.ProviderURL, sc.ProviderKey, cfg.IdentityTimeout)
		jc, err := auth.NewJWTContext(auth.JWTContextConfig{
			Name:         sc.Name,
			Secret:       sc.Secret,
			PublicKeyPEM: sc.PublicKeyPEM,
			Issuer:       sc.Issuer,
			Audience:     sc.Audience,
			Leeway:       sc.Leeway,
		}, lookup)
		if err != nil {
			return nil, err
		}
		contexts = append(contexts, jc)
	}
	return auth.NewVerifier(contexts, logger)
}
