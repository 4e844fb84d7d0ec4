// Package ratelimit throttles inbound websocket frames with one token bucket
// per connection.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultRate  = 100
	DefaultBurst = 200

	defaultCleanupInterval = 5 * time.Minute
	defaultMaxTracked      = 10000
)

type Limiter struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiter(rate, burst, time.Now)
}

func newLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: now(),
		now:        now,
	}
}

// Allow takes one token if available.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(l.lastUpdate).Seconds()
	l.lastUpdate = now

	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}

	if l.tokens >= 1 {
		l.tokens--
		return true
	}

	return false
}

type Config struct {
	// Rate is the sustained frames per second. Zero means DefaultRate.
	Rate float64

	// Burst is the bucket size. Zero means DefaultBurst.
	Burst int

	CleanupInterval time.Duration

	// MaxTracked resets the limiter table when exceeded.
	MaxTracked int

	Logger *slog.Logger
}

// ClientLimiters hands out one Limiter per connection id.
type ClientLimiters struct {
	limiters map[string]*Limiter
	cfg      Config
	mu       sync.RWMutex
	stop     chan struct{}
	stopOnce sync.Once
}

func NewClientLimiters(cfg Config) *ClientLimiters {
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	if cfg.MaxTracked <= 0 {
		cfg.MaxTracked = defaultMaxTracked
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cl := &ClientLimiters{
		limiters: make(map[string]*Limiter),
		cfg:      cfg,
		stop:     make(chan struct{}),
	}
	go cl.cleanup()
	return cl
}

func (cl *ClientLimiters) Get(connID string) *Limiter {
	cl.mu.RLock()
	limiter, ok := cl.limiters[connID]
	cl.mu.RUnlock()

	if ok {
		return limiter
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if limiter, ok := cl.limiters[connID]; ok {
		return limiter
	}

	limiter = NewLimiter(cl.cfg.Rate, cl.cfg.Burst)
	cl.limiters[connID] = limiter
	return limiter
}

func (cl *ClientLimiters) Remove(connID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	delete(cl.limiters, connID)
}

func (cl *ClientLimiters) Len() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.limiters)
}

func (cl *ClientLimiters) Stop() {
	cl.stopOnce.Do(func() { close(cl.stop) })
}

func (cl *ClientLimiters) cleanup() {
	ticker := time.NewTicker(cl.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cl.stop:
			return
		case <-ticker.C:
			cl.prune()
		}
	}
}

func (cl *ClientLimiters) prune() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if n := len(cl.limiters); n > cl.cfg.MaxTracked {
		cl.limiters = make(map[string]*Limiter)
		cl.cfg.Logger.Warn("rate limiter table reset", "tracked", n)
	}
}
