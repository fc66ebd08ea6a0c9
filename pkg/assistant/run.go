package assistant

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/flipmentor/internal/observability"
	"github.com/harun/flipmentor/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

type outcomeKind int

const (
	outcomeCompleted outcomeKind = iota
	outcomeFailed
	outcomeExpired
	outcomeCancelled
	outcomeTimedOut
	outcomeAborted
	outcomeRemoteError
)

func (k outcomeKind) String() string {
	switch k {
	case outcomeCompleted:
		return "completed"
	case outcomeFailed:
		return "failed"
	case outcomeExpired:
		return "expired"
	case outcomeCancelled:
		return "cancelled"
	case outcomeTimedOut:
		return "timed_out"
	case outcomeAborted:
		return "aborted"
	case outcomeRemoteError:
		return "remote_error"
	}
	return fmt.Sprintf("outcome(%d)", int(k))
}

// runOutcome is the result of polling one run. It only becomes an error in
// runOutcome.err.
type runOutcome struct {
	kind     outcomeKind
	status   RunStatus
	detail   string
	attempts int
	cause    error
}

func (o runOutcome) err(sessionID, runID string) error {
	base := &Error{
		SessionID: sessionID,
		RunID:     runID,
		Detail:    o.detail,
		Attempts:  o.attempts,
		Err:       o.cause,
	}
	switch o.kind {
	case outcomeCompleted:
		return nil
	case outcomeFailed:
		base.Kind = ErrRunFailed
	case outcomeExpired:
		base.Kind = ErrRunExpired
	case outcomeCancelled:
		base.Kind = ErrRunCancelled
	case outcomeTimedOut:
		base.Kind = ErrRunTimedOut
	case outcomeAborted:
		base.Kind = ErrCancelled
		base.Op = OpGetRunStatus
	case outcomeRemoteError:
		base.Kind = ErrRemoteRequestFailed
		base.Op = OpGetRunStatus
	}
	return base
}

// classify maps a polled status to a terminal outcome. ok is false for
// statuses that need another poll.
func classify(state RunState) (runOutcome, bool) {
	switch state.Status {
	case StatusCompleted:
		return runOutcome{kind: outcomeCompleted, status: state.Status}, true
	case StatusFailed:
		return runOutcome{kind: outcomeFailed, status: state.Status, detail: state.Detail}, true
	case StatusIncomplete:
		detail := state.Detail
		if detail == "" {
			detail = "run incomplete"
		}
		return runOutcome{kind: outcomeFailed, status: state.Status, detail: detail}, true
	case StatusExpired:
		return runOutcome{kind: outcomeExpired, status: state.Status, detail: state.Detail}, true
	case StatusCancelled:
		return runOutcome{kind: outcomeCancelled, status: state.Status, detail: state.Detail}, true
	}
	return runOutcome{}, false
}

// awaitRun polls a run until it is terminal, MaxAttempts checks were made,
// or ctx ends. The first check happens immediately and there is no sleep
// after the last one.
func (c *Client) awaitRun(ctx context.Context, sessionID, runID string) runOutcome {
	ctx, span := tracing.StartSpan(ctx, "flipmentor.assistant", "assistant.await_run",
		attribute.String("run_id", runID),
		attribute.Int("max_attempts", c.cfg.MaxAttempts),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, c.logger)

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		logger.Debug().
			Int("attempt", attempt).
			Int("max_attempts", c.cfg.MaxAttempts).
			Msg("Checking run status")

		start := time.Now()
		state, err := c.remote.GetRunStatus(ctx, sessionID, runID)
		observability.RecordRemoteRequest(OpGetRunStatus, time.Since(start), err == nil)
		if err != nil {
			if ctx.Err() != nil {
				return runOutcome{kind: outcomeAborted, attempts: attempt, detail: ctx.Err().Error(), cause: ctx.Err()}
			}
			return runOutcome{kind: outcomeRemoteError, attempts: attempt, detail: transportDetail(err), cause: err}
		}

		if out, done := classify(state); done {
			out.attempts = attempt
			span.SetAttributes(attribute.String("run_status", string(state.Status)), attribute.Int("attempts", attempt))
			return out
		}

		logger.Debug().Str("status", string(state.Status)).Msg("Run not finished")

		if attempt == c.cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(c.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return runOutcome{kind: outcomeAborted, attempts: attempt, detail: ctx.Err().Error(), cause: ctx.Err()}
		case <-timer.C:
		}
	}

	return runOutcome{
		kind:     outcomeTimedOut,
		attempts: c.cfg.MaxAttempts,
		detail:   fmt.Sprintf("no terminal status after %d checks", c.cfg.MaxAttempts),
	}
}

// cancelAbandonedRun asks the remote to cancel a run the caller stopped
// waiting for. The caller's context is already done, so a detached one is
// used.
func (c *Client) cancelAbandonedRun(ctx context.Context, sessionID, runID string) {
	canceller, ok := c.remote.(RunCanceller)
	if !c.cfg.CancelRemoteOnAbort || !ok {
		return
	}

	cctx, cancel := context.WithTimeout(tracing.Detach(ctx), c.cfg.CancelTimeout)
	defer cancel()

	start := time.Now()
	err := canceller.CancelRun(cctx, sessionID, runID)
	observability.RecordRemoteRequest(OpCancelRun, time.Since(start), err == nil)

	logger := tracing.LoggerFromContext(ctx, c.logger)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to cancel abandoned run")
		return
	}
	logger.Info().Msg("Cancelled abandoned run")
}

// latestReply returns the newest assistant turn that follows the newest user
// turn in a most-recent-last list.
func latestReply(turns []Turn) (string, bool) {
	lastUser := -1
	for i, t := range turns {
		if t.Role == RoleUser {
			lastUser = i
		}
	}
	for i := len(turns) - 1; i > lastUser; i-- {
		if turns[i].Role == RoleAssistant {
			return turns[i].Content, true
		}
	}
	return "", false
}
