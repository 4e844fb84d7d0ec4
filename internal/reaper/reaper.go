// Package reaper periodically releases room locks whose holder died without
// unlocking. The lock itself has no expiry, so the service is off unless both
// an interval and a staleness threshold are configured.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/manpreetbhatti/lattice-collab/internal/store"
)

type Config struct {
	Interval time.Duration

	// StaleAfter is the age after which a held lock counts as abandoned. It
	// must be far above the longest room operation.
	StaleAfter time.Duration
}

func DefaultConfig() Config {
	return Config{}
}

func (c Config) Enabled() bool {
	return c.Interval > 0 && c.StaleAfter > 0
}

type Service struct {
	backend store.LockReaper
	config  Config
	logger  *slog.Logger
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

func New(backend store.LockReaper, config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		backend: backend,
		config:  config,
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

// Start launches the ticker. It does nothing when the service is disabled.
func (s *Service) Start() {
	if !s.config.Enabled() || s.started {
		return
	}
	s.started = true
	s.wg.Add(1)
	go s.run()
	s.logger.Info("lock reaper started", "interval", s.config.Interval, "stale_after", s.config.StaleAfter)
}

func (s *Service) Stop() {
	if !s.started {
		return
	}
	close(s.stop)
	s.wg.Wait()
	s.started = false
	s.logger.Info("lock reaper stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.config.Interval)
			if _, err := s.ReapNow(ctx); err != nil {
				s.logger.Error("lock reap failed", "error", err)
			}
			cancel()
		}
	}
}

// ReapNow releases every lock older than StaleAfter and returns their rooms.
func (s *Service) ReapNow(ctx context.Context) ([]store.RoomKey, error) {
	rooms, err := s.backend.ReapLocks(ctx, s.config.StaleAfter)
	if err != nil {
		return nil, err
	}
	for _, key := range rooms {
		s.logger.Warn("released abandoned room lock", "room", key.String())
	}
	return rooms, nil
}
