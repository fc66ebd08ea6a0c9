package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/flipmentor/pkg/runledger"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	defaultPruneSchedule = "@hourly"
	pruneTimeout         = time.Minute
)

// ledgerPruner deletes finished runs older than the retention on a cron
// schedule.
type ledgerPruner struct {
	ledger    *runledger.Ledger
	retention time.Duration
	schedule  string
	logger    zerolog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func newLedgerPruner(ledger *runledger.Ledger, retention time.Duration, schedule string, logger zerolog.Logger) (*ledgerPruner, error) {
	if ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", retention)
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", schedule, err)
	}
	return &ledgerPruner{
		ledger:    ledger,
		retention: retention,
		schedule:  schedule,
		logger:    logger,
	}, nil
}

func (p *ledgerPruner) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return errors.New("ledger pruner is already running")
	}

	c := cron.New()
	if _, err := c.AddFunc(p.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
		defer cancel()
		_, _ = p.Prune(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule ledger prune: %w", err)
	}
	c.Start()
	p.cron = c

	p.logger.Info().
		Str("schedule", p.schedule).
		Dur("retention", p.retention).
		Msg("Ledger pruner started")
	return nil
}

func (p *ledgerPruner) Stop(ctx context.Context) error {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Prune runs one retention pass.
func (p *ledgerPruner) Prune(ctx context.Context) (int64, error) {
	n, err := p.ledger.Prune(ctx, p.retention)
	if err != nil {
		p.logger.Error().Err(err).Msg("Ledger prune failed")
		return 0, err
	}
	p.logger.Debug().Int64("pruned", n).Msg("Ledger prune finished")
	return n, nil
}
