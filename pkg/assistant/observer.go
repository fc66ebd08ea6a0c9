package assistant

import (
	"context"
	"time"
)

// RunPurpose tells why a run was started.
type RunPurpose string

const (
	PurposeTurn    RunPurpose = "turn"
	PurposeWelcome RunPurpose = "welcome"
)

// RunEvent describes a run at start or at its end.
type RunEvent struct {
	SessionKey string
	SessionID  string
	RunID      string
	Purpose    RunPurpose
	// Outcome is empty for RunStarted and one of completed, failed,
	// expired, cancelled, timed_out, aborted, remote_error afterwards.
	Outcome    string
	Status     RunStatus
	Attempts   int
	Detail     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// RunObserver is told about every run a Client starts. Calls are made
// synchronously from the sending goroutine and must not block for long.
type RunObserver interface {
	RunStarted(ctx context.Context, ev RunEvent)
	RunFinished(ctx context.Context, ev RunEvent)
}

// Observers fans one event out to several observers.
type Observers []RunObserver

func (o Observers) RunStarted(ctx context.Context, ev RunEvent) {
	for _, obs := range o {
		if obs != nil {
			obs.RunStarted(ctx, ev)
		}
	}
}

func (o Observers) RunFinished(ctx context.Context, ev RunEvent) {
	for _, obs := range o {
		if obs != nil {
			obs.RunFinished(ctx, ev)
		}
	}
}
