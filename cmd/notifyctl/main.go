// notifyctl is a local operator tool: publish a payload onto a gateway
// channel, or mint a short-lived HS256 token for a test client.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"notify-gateway/internal/auth"
	"notify-gateway/internal/bridge"
	"notify-gateway/internal/logging"
	natsClient "notify-gateway/pkg/nats"
	redisClient "notify-gateway/pkg/redis"
)

// noopRecorder discards broker client events.
type noopRecorder struct{}

func (noopRecorder) SetBrokerConnected(bool) {}
func (noopRecorder) BrokerReconnected()      {}
func (noopRecorder) BrokerMessage()          {}
func (noopRecorder) RecordError(string)      {}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "notifyctl:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "notifyctl",
		Usage: "operate a notify-gateway deployment",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level", Value: "warn", EnvVars: []string{"LOG_LEVEL"}},
		},
		Commands: []*cli.Command{
			publishCommand(),
			tokenCommand(),
		},
	}
}

func publishCommand() *cli.Command {
	return &cli.Command{
		Name:  "publish",
		Usage: "publish a JSON payload to a channel",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "broker", Value: "nats", Usage: "nats or redis", EnvVars: []string{"BROKER_KIND"}},
			&cli.StringFlag{Name: "url", Usage: "broker URL (defaults per broker)"},
			&cli.StringFlag{Name: "channel", Aliases: []string{"c"}, Required: true},
			&cli.StringFlag{Name: "data", Aliases: []string{"d"}, Usage: "payload; read from stdin when empty"},
		},
		Action: func(c *cli.Context) error {
			logger := logging.NewLogger(logging.Config{Level: c.String("log-level"), Format: "pretty", Output: os.Stderr})

			payload, err := readPayload(c.String("data"), os.Stdin)
			if err != nil {
				return err
			}

			broker, err := dialBroker(c.String("broker"), c.String("url"), logger)
			if err != nil {
				return err
			}
			defer broker.Close()

			if err := broker.Publish(c.String("channel"), payload); err != nil {
				return err
			}
			if f, ok := broker.(interface{ Flush(context.Context) error }); ok {
				ctx, cancel := context.WithTimeout(c.Context, 5*time.Second)
				defer cancel()
				if err := f.Flush(ctx); err != nil {
					return fmt.Errorf("flush: %w", err)
				}
			}

			logger.Info().Str("channel", c.String("channel")).Int("bytes", len(payload)).Msg("Published")
			return nil
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "mint an HS256 token, for local testing only",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "secret", Required: true, EnvVars: []string{"AUTH_PRIMARY_SECRET"}},
			&cli.StringFlag{Name: "subject", Aliases: []string{"sub"}, Required: true},
			&cli.StringFlag{Name: "issuer", EnvVars: []string{"AUTH_PRIMARY_ISSUER"}},
			&cli.DurationFlag{Name: "ttl", Value: time.Hour},
		},
		Action: func(c *cli.Context) error {
			tok, err := auth.GenerateHS256(c.String("secret"), c.String("subject"), c.String("issuer"), c.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, tok)
			return nil
		},
	}
}

// readPayload takes data, or stdin when data is empty, and requires valid JSON.
func readPayload(data string, stdin io.Reader) ([]byte, error) {
	raw := []byte(data)
	if data == "" {
		b, err := io.ReadAll(io.LimitReader(stdin, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		raw = b
	}
	if len(raw) == 0 {
		return nil, errors.New("empty payload")
	}
	if !json.Valid(raw) {
		return nil, errors.New("payload is not valid JSON")
	}
	return raw, nil
}

func dialBroker(kind, url string, logger zerolog.Logger) (bridge.Broker, error) {
	switch kind {
	case "nats":
		if url == "" {
			url = "nats://localhost:4222"
		}
		c, err := natsClient.NewClient(natsClient.Config{URL: url, Name: "notifyctl"}, noopRecorder{}, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "redis":
		if url == "" {
			url = "redis://localhost:6379/0"
		}
		c, err := redisClient.NewClient(redisClient.Config{URL: url}, noopRecorder{}, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown broker %q (want nats or redis)", kind)
	}
}
