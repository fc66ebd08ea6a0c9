package assistant

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunStatus(t *testing.T) {
	for _, s := range []RunStatus{StatusQueued, StatusInProgress, StatusRequiresAction, StatusCancelling, "something_new"} {
		assert.True(t, s.IsActive(), s)
		assert.False(t, s.IsTerminal(), s)
	}
	for _, s := range []RunStatus{StatusCompleted, StatusFailed, StatusExpired, StatusCancelled, StatusIncomplete} {
		assert.True(t, s.IsTerminal(), s)
		assert.False(t, s.IsActive(), s)
	}
}

func TestClassify(t *testing.T) {
	_, done := classify(RunState{Status: StatusQueued})
	assert.False(t, done)

	out, done := classify(RunState{Status: StatusIncomplete})
	assert.True(t, done)
	assert.Equal(t, outcomeFailed, out.kind)
	assert.Equal(t, "run incomplete", out.detail)

	out, done = classify(RunState{Status: StatusExpired})
	assert.True(t, done)
	assert.Equal(t, outcomeExpired, out.kind)
}

func TestRunOutcomeErr(t *testing.T) {
	assert.NoError(t, runOutcome{kind: outcomeCompleted}.err("thread_1", "run_1"))

	err := runOutcome{kind: outcomeTimedOut, attempts: 30}.err("thread_1", "run_1")
	assert.ErrorIs(t, err, ErrRunTimedOut)
	assert.Equal(t, 30, err.(*Error).Attempts)
}

func TestLatestReply(t *testing.T) {
	tests := []struct {
		name  string
		turns []Turn
		want  string
		ok    bool
	}{
		{
			name: "newest assistant after newest user",
			turns: []Turn{
				{Role: RoleUser, Content: "q1"},
				{Role: RoleAssistant, Content: "a1"},
				{Role: RoleUser, Content: "q2"},
				{Role: RoleAssistant, Content: "a2 part 1"},
				{Role: RoleAssistant, Content: "a2 part 2"},
			},
			want: "a2 part 2",
			ok:   true,
		},
		{
			name: "stale assistant turn is not a reply",
			turns: []Turn{
				{Role: RoleAssistant, Content: "a1"},
				{Role: RoleUser, Content: "q2"},
			},
		},
		{
			name: "window without a user turn",
			turns: []Turn{
				{Role: RoleSystem, Content: "seed"},
				{Role: RoleAssistant, Content: "welcome"},
			},
			want: "welcome",
			ok:   true,
		},
		{name: "empty", turns: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := latestReply(tt.turns)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
