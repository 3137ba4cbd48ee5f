package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTContextConfig describes one trusted signing context.
type JWTContextConfig struct {
	Name         string
	Secret       string // HS256 shared secret
	PublicKeyPEM string // RS256 public key, takes precedence over Secret
	Issuer       string
	Audience     string
	Leeway       time.Duration
}

// JWTContext validates tokens signed by one issuer and confirms the subject
// with that issuer's user directory.
type JWTContext struct {
	name      string
	secretKey []byte
	publicKey *rsa.PublicKey
	parser    *jwt.Parser
	lookup    UserLookup
}

var _ SigningContext = (*JWTContext)(nil)

func NewJWTContext(cfg JWTContextConfig, lookup UserLookup) (*JWTContext, error) {
	if lookup == nil {
		return nil, errors.New("user lookup is required")
	}

	c := &JWTContext{name: cfg.Name, lookup: lookup}

	opts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	switch {
	case cfg.PublicKeyPEM != "":
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("signing context %s: invalid public key: %w", cfg.Name, err)
		}
		c.publicKey = key
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	case cfg.Secret != "":
		c.secretKey = []byte(cfg.Secret)
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	default:
		return nil, fmt.Errorf("signing context %s: no key material", cfg.Name)
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	c.parser = jwt.NewParser(opts...)

	return c, nil
}

func (c *JWTContext) Name() string {
	return c.name
}

// Verify validates the signature and registered claims, then requires a live
// user record for the subject.
func (c *JWTContext) Verify(ctx context.Context, tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := c.parser.ParseWithClaims(tokenString, claims, c.keyFunc)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return "", errors.New("invalid token claims")
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return "", errors.New("token has no subject")
	}

	user, err := c.lookup.LookupUser(ctx, subject)
	if err != nil {
		return "", fmt.Errorf("subject lookup: %w", err)
	}
	if !user.Live() {
		return "", fmt.Errorf("subject lookup: %w", ErrUserNotFound)
	}

	return subject, nil
}

func (c *JWTContext) keyFunc(token *jwt.Token) (interface{}, error) {
	if c.publicKey != nil {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return c.publicKey, nil
	}
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return c.secretKey, nil
}

// GenerateHS256 mints a short-lived token for a subject. It backs the
// notifyctl token command and local testing only.
func GenerateHS256(secret, subject, issuer string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
