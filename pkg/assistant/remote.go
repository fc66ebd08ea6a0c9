package assistant

import (
	"context"
	"fmt"
)

// Remote operation names used in errors, logs and metrics.
const (
	OpCreateSession = "createSession"
	OpAppendTurn    = "appendTurn"
	OpStartRun      = "startRun"
	OpGetRunStatus  = "getRunStatus"
	OpListTurns     = "listTurns"
	OpListRuns      = "listRuns"
	OpCancelRun     = "cancelRun"
)

// RemoteAPI is the stateful assistant service a Client talks to.
// Implementations must not retry on their own.
type RemoteAPI interface {
	CreateSession(ctx context.Context) (string, error)
	AppendTurn(ctx context.Context, sessionID string, role Role, content string) error
	StartRun(ctx context.Context, sessionID string) (string, error)
	GetRunStatus(ctx context.Context, sessionID, runID string) (RunState, error)
	// ListTurns returns the newest turns of a session, oldest first. It may
	// return a window rather than the full history.
	ListTurns(ctx context.Context, sessionID string) ([]Turn, error)
	ListRuns(ctx context.Context, sessionID string) ([]Run, error)
}

// RunCanceller is implemented by remotes that can cancel a run.
type RunCanceller interface {
	CancelRun(ctx context.Context, sessionID, runID string) error
}

// TransportError is how adapters report a failed remote request.
type TransportError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Code != "":
		return fmt.Sprintf("status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return "transport error"
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
