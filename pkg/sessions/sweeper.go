package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	DefaultIdleTTL       = 30 * time.Minute
	DefaultSweepSchedule = "@every 5m"
)

// Sweeper periodically evicts idle clients from a Registry.
type Sweeper struct {
	registry *Registry
	ttl      time.Duration
	schedule string
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewSweeper validates the schedule and returns a stopped sweeper.
func NewSweeper(registry *Registry, ttl time.Duration, schedule string, logger zerolog.Logger) (*Sweeper, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	return &Sweeper{
		registry: registry,
		ttl:      ttl,
		schedule: schedule,
		logger:   logger.With().Str("component", "sweeper").Logger(),
		now:      time.Now,
	}, nil
}

// Start schedules the sweep.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("sweeper is already running")
	}

	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() { s.Sweep() }); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	c.Start()
	s.cron = c
	s.running = true

	s.logger.Info().
		Str("schedule", s.schedule).
		Dur("idle_ttl", s.ttl).
		Msg("Session sweeper started")
	return nil
}

// Stop cancels the schedule and waits for a running sweep, bounded by ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper is not running")
	}
	done := s.cron.Stop()
	s.running = false
	s.mu.Unlock()

	select {
	case <-done.Done():
		s.logger.Info().Msg("Session sweeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep evicts idle clients once and returns how many were removed.
func (s *Sweeper) Sweep() int {
	evicted := s.registry.EvictIdle(s.ttl, s.now())
	for _, key := range evicted {
		s.logger.Debug().Str("session_key", key).Msg("Session evicted")
	}
	return len(evicted)
}
