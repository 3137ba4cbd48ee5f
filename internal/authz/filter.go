// Package authz decides which channels an authenticated session may join.
package authz

import (
	"context"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// Session is the authenticated identity bound to one socket. Both ids are set
// during the handshake and never change.
type Session struct {
	ExternalSubjectID string
	InternalUserID    string
}

var scopeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// OwnershipChecker optionally confirms that a session owns a scoped
// identifier. With no checker configured, a client-declared scope is trusted.
type OwnershipChecker interface {
	Owns(ctx context.Context, session Session, prefix, scopeID string) (bool, error)
}

// Rules configures the filter.
type Rules struct {
	PrivatePrefix  string
	ScopedPrefixes []string
	Broadcast      []string
}

// Filter evaluates rules in order, first match wins, default deny:
//  1. the session's own private channel
//  2. a trusted scoped prefix followed by a well-formed identifier
//  3. a designated broadcast channel
type Filter struct {
	privatePrefix  string
	scopedPrefixes []string
	broadcast      map[string]struct{}
	owner          OwnershipChecker
	logger         zerolog.Logger
}

func NewFilter(rules Rules, owner OwnershipChecker, logger zerolog.Logger) *Filter {
	f := &Filter{
		privatePrefix: rules.PrivatePrefix,
		broadcast:     make(map[string]struct{}, len(rules.Broadcast)),
		owner:         owner,
		logger:        logger.With().Str("component", "authz").Logger(),
	}
	for _, p := range rules.ScopedPrefixes {
		if p = strings.TrimSpace(p); p != "" {
			f.scopedPrefixes = append(f.scopedPrefixes, p)
		}
	}
	for _, b := range rules.Broadcast {
		if b = strings.TrimSpace(b); b != "" {
			f.broadcast[b] = struct{}{}
		}
	}
	return f
}

// PrivateChannel is the channel every session is auto-subscribed to.
func (f *Filter) PrivateChannel(s Session) string {
	return f.privatePrefix + s.InternalUserID
}

// IsAllowed reports whether the session may subscribe to channel. Denials are
// logged at debug with the channel name only.
func (f *Filter) IsAllowed(ctx context.Context, s Session, channel string) bool {
	if s.InternalUserID != "" && channel == f.PrivateChannel(s) {
		return true
	}

	for _, prefix := range f.scopedPrefixes {
		if !strings.HasPrefix(channel, prefix) {
			continue
		}
		scopeID := strings.TrimPrefix(channel, prefix)
		if !scopeIDPattern.MatchString(scopeID) {
			break
		}
		if f.owner == nil {
			return true
		}
		owns, err := f.owner.Owns(ctx, s, prefix, scopeID)
		if err != nil {
			f.logger.Warn().Err(err).Str("channel", channel).Msg("Ownership check failed")
			break
		}
		if owns {
			return true
		}
		break
	}

	if _, ok := f.broadcast[channel]; ok {
		return true
	}

	f.logger.Debug().Str("channel", channel).Msg("Channel denied")
	return false
}
