package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Config struct {
	RequestsPerSecond float64
	Burst             int
	KeyExpiry         time.Duration
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per key. Idle keys are dropped by Run.
type Limiter struct {
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

func New(config Config, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Burst <= 0 {
		config.Burst = int(config.RequestsPerSecond)
		if config.Burst < 1 {
			config.Burst = 1
		}
	}
	if config.KeyExpiry <= 0 {
		config.KeyExpiry = 10 * time.Minute
	}

	return &Limiter{
		config:  config,
		logger:  logger.With("component", "rate-limiter"),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

func (l *Limiter) Allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(l.config.RequestsPerSecond), l.config.Burst)}
		l.entries[key] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	if e.limiter.AllowN(now, 1) {
		return true
	}
	l.logger.Debug("request throttled", "key", key)
	return false
}

// Prune drops keys idle for longer than the configured expiry.
func (l *Limiter) Prune() int {
	cutoff := l.now().Add(-l.config.KeyExpiry)

	l.mu.Lock()
	defer l.mu.Unlock()

	dropped := 0
	for key, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, key)
			dropped++
		}
	}
	return dropped
}

func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Limiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.config.KeyExpiry)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := l.Prune(); n > 0 {
				l.logger.Debug("pruned idle keys", "count", n)
			}
		}
	}
}
