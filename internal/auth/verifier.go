package auth

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// ErrUnverifiable is the only error Verify returns. The reason a token failed
// is logged, never exposed, so clients cannot probe which issuer trusts them.
var ErrUnverifiable = errors.New("token could not be verified")

// SigningContext is one trusted issuer. Verify returns the external subject
// id when the token is valid for this context and the subject is live.
type SigningContext interface {
	Name() string
	Verify(ctx context.Context, token string) (string, error)
}

// Verifier tries each signing context in order; the first success wins.
type Verifier struct {
	contexts []SigningContext
	logger   zerolog.Logger
}

func NewVerifier(contexts []SigningContext, logger zerolog.Logger) (*Verifier, error) {
	if len(contexts) == 0 {
		return nil, errors.New("at least one signing context is required")
	}
	return &Verifier{
		contexts: contexts,
		logger:   logger.With().Str("component", "token_verifier").Logger(),
	}, nil
}

// Verify returns the subject id or ErrUnverifiable.
func (v *Verifier) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnverifiable
	}

	for _, sc := range v.contexts {
		if err := ctx.Err(); err != nil {
			v.logger.Warn().Err(err).Msg("Token verification abandoned")
			return "", ErrUnverifiable
		}

		subject, err := sc.Verify(ctx, token)
		if err == nil {
			v.logger.Debug().
				Str("signing_context", sc.Name()).
				Str("subject", subject).
				Msg("Token verified")
			return subject, nil
		}

		v.logger.Debug().
			Err(err).
			Str("signing_context", sc.Name()).
			Msg("Signing context rejected token")
	}

	return "", ErrUnverifiable
}
