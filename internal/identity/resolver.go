// Package identity maps identity-provider subjects to internal user ids.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrUnresolvable means no internal user could be established for a subject.
// Callers fail the connection; there is no retry here.
var ErrUnresolvable = errors.New("identity could not be resolved")

// Resolver looks up the internal user id for an external subject by calling
// GET {base}/users/me with the subject in a trusted header.
// Concurrent lookups for the same subject share one request.
type Resolver struct {
	baseURL string
	header  string
	client  *http.Client
	group   singleflight.Group
}

type meResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

func NewResolver(baseURL, header string, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Resolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		header:  header,
		client:  &http.Client{Timeout: timeout},
	}
}

// Resolve returns the internal user id. Every failure, including transport
// errors, wraps ErrUnresolvable.
func (r *Resolver) Resolve(ctx context.Context, externalSubjectID string) (string, error) {
	if externalSubjectID == "" {
		return "", fmt.Errorf("%w: empty subject", ErrUnresolvable)
	}

	// The shared call must not die with whichever caller started it.
	shared := context.WithoutCancel(ctx)
	ch := r.group.DoChan(externalSubjectID, func() (any, error) {
		return r.fetch(shared, externalSubjectID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", ErrUnresolvable, ctx.Err())
	}
}

func (r *Resolver) fetch(ctx context.Context, externalSubjectID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/users/me", nil)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrUnresolvable, err)
	}
	req.Header.Set(r.header, externalSubjectID)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnresolvable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("%w: identity service returned status %d", ErrUnresolvable, resp.StatusCode)
	}

	var body meResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrUnresolvable, err)
	}
	if body.Data.ID == "" {
		return "", fmt.Errorf("%w: response has no user id", ErrUnresolvable)
	}

	return body.Data.ID, nil
}
