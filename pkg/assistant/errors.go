package assistant

import (
	"context"
	"errors"
	"strings"
)

// Error kinds. Match them with errors.Is; use errors.As with *Error for the
// operation, run id and remote detail.
var (
	ErrRemoteRequestFailed = errors.New("remote request failed")
	ErrRunFailed           = errors.New("run failed")
	ErrRunExpired          = errors.New("run expired")
	ErrRunCancelled        = errors.New("run cancelled")
	ErrRunTimedOut         = errors.New("run timed out")
	ErrRunInProgress       = errors.New("run in progress")
	ErrInvalidInput        = errors.New("invalid input")
	ErrCancelled           = errors.New("cancelled")
)

var kinds = []error{
	ErrRemoteRequestFailed,
	ErrRunFailed,
	ErrRunExpired,
	ErrRunCancelled,
	ErrRunTimedOut,
	ErrRunInProgress,
	ErrInvalidInput,
	ErrCancelled,
}

// Error is returned by every Client operation that fails.
type Error struct {
	Kind      error
	Op        string
	SessionID string
	RunID     string
	Detail    string
	// Attempts is the number of status checks made, for run errors.
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.RunID != "" {
		b.WriteString(" (run ")
		b.WriteString(e.RunID)
		b.WriteString(")")
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindName returns a stable snake_case name for err's kind, "ok" for nil and
// "internal" for errors outside the taxonomy.
func KindName(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return strings.ReplaceAll(k.Error(), " ", "_")
		}
	}
	return "internal"
}

// remoteFailure classifies a failed remote call. A failure caused by the
// caller's context ending is a cancellation, not a remote failure.
func remoteFailure(ctx context.Context, op, sessionID, runID string, err error) *Error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return cancelled(op, sessionID, runID, ctxErr)
	}
	return &Error{
		Kind:      ErrRemoteRequestFailed,
		Op:        op,
		SessionID: sessionID,
		RunID:     runID,
		Detail:    transportDetail(err),
		Err:       err,
	}
}

func transportDetail(err error) string {
	var te *TransportError
	if errors.As(err, &te) && te.Message != "" {
		return te.Message
	}
	return err.Error()
}

func cancelled(op, sessionID, runID string, cause error) *Error {
	return &Error{Kind: ErrCancelled, Op: op, SessionID: sessionID, RunID: runID, Detail: cause.Error(), Err: cause}
}
