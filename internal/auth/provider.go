package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrUserNotFound = errors.New("user not found")

// User is the slice of the identity provider's user record the gateway reads.
type User struct {
	ID     string `json:"id"`
	Banned bool   `json:"banned"`
	Locked bool   `json:"locked"`
}

// Live reports whether the record may open a session.
func (u *User) Live() bool {
	return u != nil && u.ID != "" && !u.Banned && !u.Locked
}

// UserLookup fetches the identity provider's record for a token subject.
type UserLookup interface {
	LookupUser(ctx context.Context, subject string) (*User, error)
}

// ProviderLookup queries an identity provider's backend user API.
type ProviderLookup struct {
	baseURL   string
	secretKey string
	client    *http.Client
}

func NewProviderLookup(baseURL, secretKey string, timeout time.Duration) *ProviderLookup {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ProviderLookup{
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		client:    &http.Client{Timeout: timeout},
	}
}

// LookupUser issues GET {base}/v1/users/{subject}.
func (p *ProviderLookup) LookupUser(ctx context.Context, subject string) (*User, error) {
	endpoint := p.baseURL + "/v1/users/" + url.PathEscape(subject)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if p.secretKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.secretKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity provider unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrUserNotFound
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("identity provider returned status %d", resp.StatusCode)
	}

	var user User
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&user); err != nil {
		return nil, fmt.Errorf("decode user record: %w", err)
	}
	return &user, nil
}
