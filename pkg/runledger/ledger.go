package runledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/flipmentor/internal/tracing"
	"github.com/harun/flipmentor/pkg/assistant"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("run not found")

const defaultListLimit = 50

// Entry is one recorded run.
type Entry struct {
	RunID      string     `json:"run_id"`
	SessionID  string     `json:"session_id"`
	SessionKey string     `json:"session_key"`
	Purpose    string     `json:"purpose"`
	Status     string     `json:"status"`
	Outcome    string     `json:"outcome,omitempty"`
	Attempts   int        `json:"attempts"`
	Detail     string     `json:"detail,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Filter narrows List.
type Filter struct {
	SessionID  string
	SessionKey string
	Limit      int
}

// Config holds ledger configuration
type Config struct {
	Path   string
	Logger zerolog.Logger
}

// Ledger is a SQLite-backed run log.
type Ledger struct {
	db     *sql.DB
	logger zerolog.Logger
}

var _ assistant.RunObserver = (*Ledger)(nil)

// Open opens or creates the ledger database.
func Open(cfg Config) (*Ledger, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	l := &Ledger{
		db:     db,
		logger: cfg.Logger.With().Str("component", "runledger").Logger(),
	}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	l.logger.Info().Str("path", cfg.Path).Msg("Run ledger opened")
	return l, nil
}

func (l *Ledger) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			session_key TEXT NOT NULL,
			purpose TEXT NOT NULL,
			status TEXT NOT NULL,
			outcome TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			detail TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			finished_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id);
		CREATE INDEX IF NOT EXISTS idx_runs_key ON runs(session_key);
		CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// RunStarted implements assistant.RunObserver.
func (l *Ledger) RunStarted(ctx context.Context, ev assistant.RunEvent) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, session_id, session_key, purpose, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING`,
		ev.RunID, ev.SessionID, ev.SessionKey, string(ev.Purpose), string(ev.Status), ev.StartedAt.UnixMilli(),
	)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, l.logger)
		logger.Error().Err(err).Str("run_id", ev.RunID).Msg("Failed to record run start")
	}
}

// RunFinished implements assistant.RunObserver.
func (l *Ledger) RunFinished(ctx context.Context, ev assistant.RunEvent) {
	finished := ev.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, session_id, session_key, purpose, status, outcome, attempts, detail, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			outcome = excluded.outcome,
			attempts = excluded.attempts,
			detail = excluded.detail,
			finished_at = excluded.finished_at`,
		ev.RunID, ev.SessionID, ev.SessionKey, string(ev.Purpose), string(ev.Status), ev.Outcome,
		ev.Attempts, ev.Detail, ev.StartedAt.UnixMilli(), finished.UnixMilli(),
	)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, l.logger)
		logger.Error().Err(err).Str("run_id", ev.RunID).Msg("Failed to record run result")
	}
}

// Get returns one run.
func (l *Ledger) Get(ctx context.Context, runID string) (*Entry, error) {
	row := l.db.QueryRowContext(ctx, selectColumns+` WHERE run_id = ?`, runID)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return entry, nil
}

// List returns runs newest first.
func (l *Ledger) List(ctx context.Context, f Filter) ([]Entry, error) {
	ctx, span := tracing.StartSpan(ctx, "flipmentor.runledger", "runledger.list",
		attribute.String("session_id", f.SessionID),
	)
	defer span.End()

	query := selectColumns + ` WHERE 1=1`
	var args []interface{}
	if f.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	if f.SessionKey != "" {
		query += ` AND session_key = ?`
		args = append(args, f.SessionKey)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` ORDER BY started_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// Prune deletes finished runs that started before cutoff and returns how
// many were removed.
func (l *Ledger) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM runs WHERE started_at < ? AND finished_at IS NOT NULL`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		l.logger.Info().Int64("pruned", n).Msg("Pruned run ledger")
	}
	return n, nil
}

const selectColumns = `SELECT run_id, session_id, session_key, purpose, status, outcome, attempts, detail, started_at, finished_at FROM runs`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		e        Entry
		started  int64
		finished sql.NullInt64
	)
	if err := s.Scan(&e.RunID, &e.SessionID, &e.SessionKey, &e.Purpose, &e.Status, &e.Outcome,
		&e.Attempts, &e.Detail, &started, &finished); err != nil {
		return nil, err
	}
	e.StartedAt = time.UnixMilli(started)
	if finished.Valid {
		t := time.UnixMilli(finished.Int64)
		e.FinishedAt = &t
	}
	return &e, nil
}
