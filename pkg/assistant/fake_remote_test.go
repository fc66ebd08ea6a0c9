package assistant

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// fakeRemote is a scripted in-memory RemoteAPI that records every call.
type fakeRemote struct {
	mu sync.Mutex

	calls    []string
	sessions int
	runSeq   int
	turns    map[string][]Turn
	runs     map[string][]Run

	// script is consumed one state per status check; the last state repeats.
	script []RunState
	polls  map[string]int

	errs     map[string]error // op -> error returned every time
	errsOnce map[string]error // op -> error returned once

	noReply   bool
	onCreate  func()        // runs after a session is created, outside the lock
	gate      chan struct{} // when set, status checks wait for it
	cancelled []string
}

func newFakeRemote(script ...RunState) *fakeRemote {
	if len(script) == 0 {
		script = []RunState{{Status: StatusCompleted}}
	}
	return &fakeRemote{
		turns:    make(map[string][]Turn),
		runs:     make(map[string][]Run),
		script:   script,
		polls:    make(map[string]int),
		errs:     make(map[string]error),
		errsOnce: make(map[string]error),
	}
}

func (f *fakeRemote) record(call string) error {
	f.calls = append(f.calls, call)
	op := strings.SplitN(call, ":", 2)[0]
	if err, ok := f.errsOnce[op]; ok {
		delete(f.errsOnce, op)
		return err
	}
	return f.errs[op]
}

func (f *fakeRemote) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// count matches on the op alone, or on the full call when op names a role
// too (e.g. "appendTurn:user").
func (f *fakeRemote) count(op string) int {
	full := strings.Contains(op, ":")
	n := 0
	for _, c := range f.Calls() {
		if full && c == op || !full && strings.SplitN(c, ":", 2)[0] == op {
			n++
		}
	}
	return n
}

func (f *fakeRemote) CreateSession(ctx context.Context) (string, error) {
	f.mu.Lock()
	if err := f.record(OpCreateSession); err != nil {
		f.mu.Unlock()
		return "", err
	}
	f.sessions++
	id := fmt.Sprintf("thread_%d", f.sessions)
	hook := f.onCreate
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return id, nil
}

func (f *fakeRemote) AppendTurn(ctx context.Context, sessionID string, role Role, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(OpAppendTurn + ":" + string(role)); err != nil {
		return err
	}
	f.turns[sessionID] = append(f.turns[sessionID], Turn{
		ID:        fmt.Sprintf("msg_%d", len(f.turns[sessionID])+1),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	})
	return nil
}

func (f *fakeRemote) StartRun(ctx context.Context, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(OpStartRun); err != nil {
		return "", err
	}
	f.runSeq++
	id := fmt.Sprintf("run_%d", f.runSeq)
	f.runs[sessionID] = append(f.runs[sessionID], Run{ID: id, SessionID: sessionID, Status: StatusQueued})
	return id, nil
}

func (f *fakeRemote) GetRunStatus(ctx context.Context, sessionID, runID string) (RunState, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			f.mu.Lock()
			f.calls = append(f.calls, OpGetRunStatus)
			f.mu.Unlock()
			return RunState{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(OpGetRunStatus); err != nil {
		return RunState{}, err
	}

	i := f.polls[runID]
	f.polls[runID]++
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	state := f.script[i]

	for j := range f.runs[sessionID] {
		run := &f.runs[sessionID][j]
		if run.ID != runID {
			continue
		}
		if state.Status == StatusCompleted && run.Status != StatusCompleted && !f.noReply {
			last := ""
			for _, t := range f.turns[sessionID] {
				last = t.Content
			}
			f.turns[sessionID] = append(f.turns[sessionID], Turn{
				ID:      fmt.Sprintf("msg_%d", len(f.turns[sessionID])+1),
				Role:    RoleAssistant,
				Content: "re: " + last,
			})
		}
		run.Status = state.Status
	}
	return state, nil
}

func (f *fakeRemote) ListTurns(ctx context.Context, sessionID string) ([]Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(OpListTurns); err != nil {
		return nil, err
	}
	return append([]Turn(nil), f.turns[sessionID]...), nil
}

func (f *fakeRemote) ListRuns(ctx context.Context, sessionID string) ([]Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(OpListRuns); err != nil {
		return nil, err
	}
	return append([]Run(nil), f.runs[sessionID]...), nil
}

func (f *fakeRemote) CancelRun(ctx context.Context, sessionID, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(OpCancelRun); err != nil {
		return err
	}
	f.cancelled = append(f.cancelled, runID)
	for j := range f.runs[sessionID] {
		if f.runs[sessionID][j].ID == runID {
			f.runs[sessionID][j].Status = StatusCancelling
		}
	}
	return nil
}

// recordingObserver collects run events.
type recordingObserver struct {
	mu       sync.Mutex
	started  []RunEvent
	finished []RunEvent
}

func (o *recordingObserver) RunStarted(_ context.Context, ev RunEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, ev)
}

func (o *recordingObserver) RunFinished(_ context.Context, ev RunEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, ev)
}
