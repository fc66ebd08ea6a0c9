package goopenai

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/harun/flipmentor/pkg/assistant"
	"github.com/harun/flipmentor/pkg/remote/internal/fakeapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRemote(t *testing.T, srv *fakeapi.Server) *Remote {
	t.Helper()
	r, err := New(Config{
		APIKey:         "sk-test-00000000000000000000",
		AssistantID:    "asst_test",
		BaseURL:        srv.BaseURL(),
		RequestTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return r
}

func TestRemote_Conversation(t *testing.T) {
	srv := fakeapi.New("queued", "completed")
	defer srv.Close()
	r := newTestRemote(t, srv)
	ctx := context.Background()

	threadID, err := r.CreateSession(ctx)
	require.NoError(t, err)

	require.NoError(t, r.AppendTurn(ctx, threadID, assistant.RoleSystem, "Course: Digital Logic"))
	require.NoError(t, r.AppendTurn(ctx, threadID, assistant.RoleUser, "What is a latch?"))

	runID, err := r.StartRun(ctx, threadID)
	require.NoError(t, err)

	for _, want := range []assistant.RunStatus{assistant.StatusQueued, assistant.StatusCompleted} {
		state, err := r.GetRunStatus(ctx, threadID, runID)
		require.NoError(t, err)
		assert.Equal(t, want, state.Status)
	}

	turns, err := r.ListTurns(ctx, threadID)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, assistant.RoleSystem, turns[0].Role)
	assert.Equal(t, assistant.RoleUser, turns[1].Role)
	assert.Equal(t, "re: What is a latch?", turns[2].Content)

	runs, err := r.ListRuns(ctx, threadID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, assistant.StatusCompleted, runs[0].Status)

	t.Run("should send the assistants beta header", func(t *testing.T) {
		for _, req := range srv.Requests() {
			assert.Equal(t, "assistants=v2", req.Header.Get("OpenAI-Beta"), req.Route)
		}
	})

	t.Run("should request the default window newest first", func(t *testing.T) {
		for _, req := range srv.Requests() {
			if req.Route == fakeapi.RouteListMessages {
				assert.Equal(t, "20", req.Query["limit"])
				assert.Equal(t, "desc", req.Query["order"])
			}
		}
	})
}

func TestRemote_FailedRun(t *testing.T) {
	srv := fakeapi.New("failed")
	srv.LastError = map[string]any{"code": "server_error", "message": ""}
	defer srv.Close()
	r := newTestRemote(t, srv)

	threadID, _ := r.CreateSession(context.Background())
	runID, _ := r.StartRun(context.Background(), threadID)

	state, err := r.GetRunStatus(context.Background(), threadID, runID)
	require.NoError(t, err)
	assert.Equal(t, assistant.StatusFailed, state.Status)
	assert.Equal(t, "server_error", state.Detail)
}

func TestRemote_Errors(t *testing.T) {
	srv := fakeapi.New()
	defer srv.Close()
	r := newTestRemote(t, srv)

	t.Run("should wrap API errors", func(t *testing.T) {
		srv.Fail(fakeapi.RouteCreateRun, http.StatusBadRequest, "invalid_assistant", "No assistant found")
		threadID, err := r.CreateSession(context.Background())
		require.NoError(t, err)

		_, err = r.StartRun(context.Background(), threadID)
		var te *assistant.TransportError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, http.StatusBadRequest, te.StatusCode)
		assert.Equal(t, "invalid_assistant", te.Code)
		assert.Equal(t, "No assistant found", te.Message)
	})

	t.Run("should wrap connection failures", func(t *testing.T) {
		dead := fakeapi.New()
		dead.Close()

		_, err := newTestRemote(t, dead).ListRuns(context.Background(), "thread_1")
		var te *assistant.TransportError
		require.True(t, errors.As(err, &te))
		assert.Zero(t, te.StatusCode)
	})
}

func TestRemote_CancelRun(t *testing.T) {
	srv := fakeapi.New("in_progress")
	defer srv.Close()
	r := newTestRemote(t, srv)

	threadID, _ := r.CreateSession(context.Background())
	runID, _ := r.StartRun(context.Background(), threadID)
	require.NoError(t, r.CancelRun(context.Background(), threadID, runID))
	assert.Contains(t, srv.Routes(), fakeapi.RouteCancelRun)
}

func TestRemote_WithClient(t *testing.T) {
	srv := fakeapi.New("in_progress", "completed")
	defer srv.Close()

	client, err := assistant.NewClient(assistant.Config{
		Remote:       newTestRemote(t, srv),
		PollInterval: time.Millisecond,
		MaxAttempts:  3,
	})
	require.NoError(t, err)
	defer client.Close()

	reply, err := client.Send(context.Background(), "What is a D flip-flop?")
	require.NoError(t, err)
	assert.Equal(t, "re: What is a D flip-flop?", reply)
}
