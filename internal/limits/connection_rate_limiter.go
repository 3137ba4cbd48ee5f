package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"notify-gateway/internal/logging"
)

// Recorder counts rejected upgrades by scope ("global" or "per_ip").
type Recorder interface {
	ConnectionRateLimited(scope string)
}

// ConnectionRateLimiter throttles upgrade attempts with two token buckets:
// one for the whole process and one per client IP.
type ConnectionRateLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.Mutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter

	recorder Recorder
	logger   zerolog.Logger

	now         func() time.Time
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Config holds configuration for connection rate limiting. Zero values take
// the defaults: 10 burst and 1/s per IP, 300 burst and 50/s global, 5m TTL.
type Config struct {
	IPBurst int
	IPRate  float64
	IPTTL   time.Duration

	GlobalBurst int
	GlobalRate  float64

	// CleanupInterval of zero disables the background sweep.
	CleanupInterval time.Duration
}

func NewConnectionRateLimiter(config Config, recorder Recorder, logger zerolog.Logger) *ConnectionRateLimiter {
	if config.IPBurst == 0 {
		config.IPBurst = 10
	}
	if config.IPRate == 0 {
		config.IPRate = 1.0
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 300
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 50.0
	}

	l := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		recorder:      recorder,
		logger:        logger.With().Str("component", "connection_rate_limiter").Logger(),
		now:           time.Now,
		stopCleanup:   make(chan struct{}),
	}

	if config.CleanupInterval > 0 {
		go l.cleanupLoop(config.CleanupInterval)
	}

	l.logger.Info().
		Int("ip_burst", config.IPBurst).
		Float64("ip_rate", config.IPRate).
		Int("global_burst", config.GlobalBurst).
		Float64("global_rate", config.GlobalRate).
		Msg("Connection rate limiter initialized")

	return l
}

// Allow reports whether an upgrade from ip may proceed. The global bucket is
// checked first.
func (l *ConnectionRateLimiter) Allow(ip string) bool {
	if !l.globalLimiter.Allow() {
		l.logger.Debug().Str("ip", ip).Msg("Connection rejected: global rate limit exceeded")
		l.record("global")
		return false
	}

	if !l.ipLimiter(ip).Allow() {
		l.logger.Debug().Str("ip", ip).Msg("Connection rejected: per-IP rate limit exceeded")
		l.record("per_ip")
		return false
	}
	return true
}

func (l *ConnectionRateLimiter) record(scope string) {
	if l.recorder != nil {
		l.recorder.ConnectionRateLimited(scope)
	}
}

func (l *ConnectionRateLimiter) ipLimiter(ip string) *rate.Limiter {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	entry, ok := l.ipLimiters[ip]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst)}
		l.ipLimiters[ip] = entry
	}
	entry.lastAccess = l.now()
	return entry.limiter
}

func (l *ConnectionRateLimiter) cleanupLoop(interval time.Duration) {
	defer logging.FatalOnPanic(l.logger, "rate_limiter_cleanup")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

// cleanup drops IP entries idle for longer than the TTL.
func (l *ConnectionRateLimiter) cleanup() int {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	now := l.now()
	removed := 0
	for ip, entry := range l.ipLimiters {
		if now.Sub(entry.lastAccess) > l.ipTTL {
			delete(l.ipLimiters, ip)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(l.ipLimiters)).
			Msg("Cleaned up stale IP rate limiters")
	}
	return removed
}

// TrackedIPs returns the number of IPs with a live bucket.
func (l *ConnectionRateLimiter) TrackedIPs() int {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	return len(l.ipLimiters)
}

// Stop ends the cleanup goroutine.
func (l *ConnectionRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}
