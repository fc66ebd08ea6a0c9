package assistant

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harun/flipmentor/pkg/commandqueue"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, remote RemoteAPI, mutate ...func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		Remote:       remote,
		Key:          "test",
		Logger:       zerolog.Nop(),
		PollInterval: time.Millisecond,
		MaxAttempts:  10,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	client, err := NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func requireKind(t *testing.T, err error, kind error) *Error {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, kind)
	var typed *Error
	require.True(t, errors.As(err, &typed))
	return typed
}

func TestNewClient(t *testing.T) {
	t.Run("should require a remote", func(t *testing.T) {
		_, err := NewClient(Config{})
		assert.Error(t, err)
	})

	t.Run("should apply defaults", func(t *testing.T) {
		c, err := NewClient(Config{Remote: newFakeRemote()})
		require.NoError(t, err)
		defer c.Close()

		assert.Equal(t, DefaultPollInterval, c.cfg.PollInterval)
		assert.Equal(t, DefaultMaxAttempts, c.cfg.MaxAttempts)
		assert.Equal(t, RoleSystem, c.cfg.SeedRole)
		assert.Equal(t, SendPolicyQueue, c.cfg.SendPolicy)
		assert.NotEmpty(t, c.Key())
		assert.Empty(t, c.SessionID())
	})

	t.Run("should reject unknown send policy", func(t *testing.T) {
		_, err := NewClient(Config{Remote: newFakeRemote(), SendPolicy: "drop"})
		assert.Error(t, err)
	})

	t.Run("should reject welcome run without seed", func(t *testing.T) {
		_, err := NewClient(Config{Remote: newFakeRemote(), WelcomeRun: true})
		assert.Error(t, err)
	})
}

func TestClient_Send(t *testing.T) {
	t.Run("should return reply after queued, in_progress, completed", func(t *testing.T) {
		remote := newFakeRemote(
			RunState{Status: StatusQueued},
			RunState{Status: StatusInProgress},
			RunState{Status: StatusCompleted},
		)
		client := newTestClient(t, remote)

		reply, err := client.Send(context.Background(), "hello")
		require.NoError(t, err)
		assert.Equal(t, "re: hello", reply)
		assert.Equal(t, "thread_1", client.SessionID())

		assert.Equal(t, []string{
			"createSession",
			"listRuns",
			"appendTurn:user",
			"startRun",
			"getRunStatus",
			"getRunStatus",
			"getRunStatus",
			"listTurns",
		}, remote.Calls())
	})

	t.Run("should create the session only once across sends", func(t *testing.T) {
		remote := newFakeRemote()
		client := newTestClient(t, remote)

		for i, msg := range []string{"one", "two", "three"} {
			reply, err := client.Send(context.Background(), msg)
			require.NoError(t, err, "send %d", i)
			assert.Equal(t, "re: "+msg, reply)
		}

		assert.Equal(t, 1, remote.count(OpCreateSession))
		assert.Equal(t, 3, remote.count(OpStartRun))

		// each follow-up send is exactly guard, append, start, poll, read
		calls := remote.Calls()
		assert.Equal(t, []string{"listRuns", "appendTurn:user", "startRun", "getRunStatus", "listTurns"}, calls[len(calls)-5:])

		turns := remote.turns["thread_1"]
		require.Len(t, turns, 6)
		for i := 0; i < 6; i += 2 {
			assert.Equal(t, RoleUser, turns[i].Role)
			assert.Equal(t, RoleAssistant, turns[i+1].Role)
		}
	})

	t.Run("should fail fast on blank input", func(t *testing.T) {
		remote := newFakeRemote()
		client := newTestClient(t, remote)

		for _, in := range []string{"", "   ", "\n\t"} {
			_, err := client.Send(context.Background(), in)
			requireKind(t, err, ErrInvalidInput)
		}
		assert.Empty(t, remote.Calls())
	})
}

func TestClient_Bootstrap(t *testing.T) {
	t.Run("should seed before the first user turn", func(t *testing.T) {
		remote := newFakeRemote()
		client := newTestClient(t, remote, func(c *Config) {
			c.BootstrapSeedTurn = "You are the course tutor."
		})

		_, err := client.Send(context.Background(), "hi")
		require.NoError(t, err)
		_, err = client.Send(context.Background(), "again")
		require.NoError(t, err)

		calls := remote.Calls()
		assert.Equal(t, []string{"createSession", "appendTurn:system", "listRuns", "appendTurn:user"}, calls[:4])
		assert.Equal(t, 1, remote.count(OpAppendTurn+":system"), "seed must be appended once")
	})

	t.Run("should honour the seed role", func(t *testing.T) {
		remote := newFakeRemote()
		client := newTestClient(t, remote, func(c *Config) {
			c.BootstrapSeedTurn = "Hello, I am a student."
			c.SeedRole = RoleUser
		})

		_, err := client.Send(context.Background(), "hi")
		require.NoError(t, err)
		assert.Equal(t, 2, remote.count(OpAppendTurn+":user"))
	})

	t.Run("should keep the welcome reply out of Send", func(t *testing.T) {
		remote := newFakeRemote()
		client := newTestClient(t, remote, func(c *Config) {
			c.BootstrapSeedTurn = "Introduce yourself."
			c.WelcomeRun = true
		})

		reply, err := client.Send(context.Background(), "first question")
		require.NoError(t, err)
		assert.Equal(t, "re: first question", reply)

		welcome, ok := client.Welcome()
		assert.True(t, ok)
		assert.Equal(t, "re: Introduce yourself.", welcome)
		assert.Equal(t, 2, remote.count(OpStartRun))
	})

	t.Run("should stay uninitialized when session creation fails", func(t *testing.T) {
		remote := newFakeRemote()
		remote.errs[OpCreateSession] = &TransportError{StatusCode: 401, Code: "invalid_api_key", Message: "Incorrect API key provided"}
		client := newTestClient(t, remote)

		_, err := client.Send(context.Background(), "hello")
		typed := requireKind(t, err, ErrRemoteRequestFailed)
		assert.Equal(t, OpCreateSession, typed.Op)
		assert.Equal(t, "Incorrect API key provided", typed.Detail)

		assert.Equal(t, []string{"createSession"}, remote.Calls())
		assert.Empty(t, client.SessionID())
	})

	t.Run("should abandon a half-seeded session", func(t *testing.T) {
		remote := newFakeRemote()
		remote.errsOnce[OpAppendTurn] = errors.New("connection reset")
		client := newTestClient(t, remote, func(c *Config) {
			c.BootstrapSeedTurn = "seed"
		})

		_, err := client.Send(context.Background(), "hello")
		typed := requireKind(t, err, ErrRemoteRequestFailed)
		assert.Equal(t, OpAppendTurn, typed.Op)
		assert.Empty(t, client.SessionID())

		reply, err := client.Send(context.Background(), "hello")
		require.NoError(t, err)
		assert.Equal(t, "re: hello", reply)
		assert.Equal(t, "thread_2", client.SessionID())
		assert.Equal(t, 2, remote.count(OpCreateSession))
	})

	t.Run("should abandon the session when the welcome run fails", func(t *testing.T) {
		remote := newFakeRemote(RunState{Status: StatusFailed, Detail: "server_error"})
		client := newTestClient(t, remote, func(c *Config) {
			c.BootstrapSeedTurn = "seed"
			c.WelcomeRun = true
		})

		_, err := client.Send(context.Background(), "hello")
		requireKind(t, err, ErrRunFailed)
		assert.Empty(t, client.SessionID())
		assert.Equal(t, 1, remote.count(OpAppendTurn+":system"))
		assert.Equal(t, 0, remote.count(OpAppendTurn+":user"))
		assert.Equal(t, 1, remote.count(OpAppendTurn))
	})

	t.Run("should not report seeding after a reset during bootstrap", func(t *testing.T) {
		remote := newFakeRemote()
		client := newTestClient(t, remote, func(c *Config) {
			c.BootstrapSeedTurn = "seed"
		})
		remote.onCreate = func() {
			remote.onCreate = nil
			client.Reset()
		}

		_, err := client.Send(context.Background(), "hello")
		require.NoError(t, err)

		client.mu.Lock()
		state := client.state
		client.mu.Unlock()
		assert.Equal(t, stateUninitialized, state)
		assert.Empty(t, client.SessionID())
	})
}

func TestClient_RunOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		state  RunState
		kind   error
		detail string
	}{
		{name: "failed", state: RunState{Status: StatusFailed, Detail: "Rate limit reached"}, kind: ErrRunFailed, detail: "Rate limit reached"},
		{name: "incomplete", state: RunState{Status: StatusIncomplete, Detail: "max_completion_tokens"}, kind: ErrRunFailed, detail: "max_completion_tokens"},
		{name: "expired", state: RunState{Status: StatusExpired}, kind: ErrRunExpired},
		{name: "cancelled", state: RunState{Status: StatusCancelled}, kind: ErrRunCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name+" on first poll", func(t *testing.T) {
			remote := newFakeRemote(tt.state)
			client := newTestClient(t, remote)

			_, err := client.Send(context.Background(), "hello")
			typed := requireKind(t, err, tt.kind)
			assert.Equal(t, "run_1", typed.RunID)
			assert.Equal(t, 1, typed.Attempts)
			if tt.detail != "" {
				assert.Equal(t, tt.detail, typed.Detail)
			}
			assert.Equal(t, 1, remote.count(OpGetRunStatus))
			assert.Equal(t, 0, remote.count(OpListTurns))
		})
	}

	t.Run("should time out after exactly MaxAttempts checks", func(t *testing.T) {
		remote := newFakeRemote(RunState{Status: StatusInProgress})
		client := newTestClient(t, remote, func(c *Config) { c.MaxAttempts = 4 })

		_, err := client.Send(context.Background(), "hello")
		typed := requireKind(t, err, ErrRunTimedOut)
		assert.Equal(t, 4, typed.Attempts)
		assert.Equal(t, 4, remote.count(OpGetRunStatus))
	})

	t.Run("should keep polling through requires_action and cancelling", func(t *testing.T) {
		remote := newFakeRemote(
			RunState{Status: StatusRequiresAction},
			RunState{Status: StatusCancelling},
			RunState{Status: StatusCompleted},
		)
		client := newTestClient(t, remote)

		_, err := client.Send(context.Background(), "hello")
		require.NoError(t, err)
		assert.Equal(t, 3, remote.count(OpGetRunStatus))
	})

	t.Run("should fail when a completed run left no assistant turn", func(t *testing.T) {
		remote := newFakeRemote()
		remote.noReply = true
		client := newTestClient(t, remote)

		_, err := client.Send(context.Background(), "hello")
		typed := requireKind(t, err, ErrRunFailed)
		assert.Contains(t, typed.Detail, "no assistant turn")
	})

	t.Run("should surface a status check failure without retrying it", func(t *testing.T) {
		remote := newFakeRemote()
		remote.errs[OpGetRunStatus] = &TransportError{StatusCode: 500, Message: "upstream unavailable"}
		client := newTestClient(t, remote)

		_, err := client.Send(context.Background(), "hello")
		typed := requireKind(t, err, ErrRemoteRequestFailed)
		assert.Equal(t, OpGetRunStatus, typed.Op)
		assert.Equal(t, 1, remote.count(OpGetRunStatus))
	})
}

func TestClient_Guard(t *testing.T) {
	t.Run("should refuse to append while a run is active", func(t *testing.T) {
		remote := newFakeRemote()
		client := newTestClient(t, remote)

		_, err := client.Send(context.Background(), "first")
		require.NoError(t, err)

		remote.mu.Lock()
		remote.runs["thread_1"] = append(remote.runs["thread_1"], Run{ID: "run_other", Status: StatusInProgress})
		remote.mu.Unlock()
		before := len(remote.Calls())

		_, err = client.Send(context.Background(), "second")
		typed := requireKind(t, err, ErrRunInProgress)
		assert.Equal(t, "run_other", typed.RunID)

		assert.Equal(t, []string{"listRuns"}, remote.Calls()[before:])
	})

	t.Run("should report a failed guard query as a remote failure", func(t *testing.T) {
		remote := newFakeRemote()
		remote.errs[OpListRuns] = errors.New("boom")
		client := newTestClient(t, remote)

		_, err := client.Send(context.Background(), "hello")
		typed := requireKind(t, err, ErrRemoteRequestFailed)
		assert.Equal(t, OpListRuns, typed.Op)
		assert.Equal(t, 0, remote.count(OpAppendTurn))
	})
}

func TestClient_Concurrency(t *testing.T) {
	t.Run("should reject an overlapping send under reject policy", func(t *testing.T) {
		remote := newFakeRemote()
		remote.gate = make(chan struct{})
		client := newTestClient(t, remote, func(c *Config) { c.SendPolicy = SendPolicyReject })

		done := make(chan error, 1)
		go func() {
			_, err := client.Send(context.Background(), "slow")
			done <- err
		}()
		require.Eventually(t, func() bool { return remote.count(OpStartRun) == 1 }, time.Second, time.Millisecond)

		_, err := client.Send(context.Background(), "impatient")
		requireKind(t, err, ErrRunInProgress)

		close(remote.gate)
		require.NoError(t, <-done)
		assert.Equal(t, 1, remote.count(OpAppendTurn+":user"))
	})

	t.Run("should queue overlapping sends in order", func(t *testing.T) {
		remote := newFakeRemote()
		remote.gate = make(chan struct{})
		client := newTestClient(t, remote)

		first := make(chan string, 1)
		go func() {
			reply, _ := client.Send(context.Background(), "first")
			first <- reply
		}()
		require.Eventually(t, func() bool { return remote.count(OpStartRun) == 1 }, time.Second, time.Millisecond)

		second := make(chan string, 1)
		go func() {
			reply, _ := client.Send(context.Background(), "second")
			second <- reply
		}()
		require.Eventually(t, func() bool { return client.queue.GetQueueSize(client.lane) == 1 }, time.Second, time.Millisecond)
		assert.True(t, client.Busy())

		close(remote.gate)
		assert.Equal(t, "re: first", <-first)
		assert.Equal(t, "re: second", <-second)
	})

	t.Run("should return cancelled when the context ends while polling", func(t *testing.T) {
		remote := newFakeRemote(RunState{Status: StatusInProgress})
		client := newTestClient(t, remote, func(c *Config) {
			c.PollInterval = time.Hour
			c.CancelRemoteOnAbort = true
		})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			_, err := client.Send(ctx, "hello")
			done <- err
		}()
		require.Eventually(t, func() bool { return remote.count(OpGetRunStatus) == 1 }, time.Second, time.Millisecond)
		cancel()

		err := <-done
		requireKind(t, err, ErrCancelled)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, []string{"run_1"}, remote.cancelled)
	})

	t.Run("should not cancel remotely unless asked", func(t *testing.T) {
		remote := newFakeRemote(RunState{Status: StatusInProgress})
		client := newTestClient(t, remote, func(c *Config) { c.PollInterval = time.Hour })

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := client.Send(ctx, "hello")
		requireKind(t, err, ErrCancelled)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 0, remote.count(OpCancelRun))
	})
}

func TestClient_Close(t *testing.T) {
	remote := newFakeRemote()
	remote.gate = make(chan struct{})
	queue := commandqueue.New()
	defer queue.Close()
	client := newTestClient(t, remote, func(c *Config) { c.Queue = queue })

	running := make(chan error, 1)
	go func() {
		_, err := client.Send(context.Background(), "slow")
		running <- err
	}()
	require.Eventually(t, func() bool { return remote.count(OpStartRun) == 1 }, time.Second, time.Millisecond)

	queued := make(chan error, 1)
	go func() {
		_, err := client.Send(context.Background(), "waiting")
		queued <- err
	}()
	require.Eventually(t, func() bool { return queue.GetQueueSize(client.lane) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, client.Close())

	t.Run("should reject queued sends", func(t *testing.T) {
		requireKind(t, <-queued, ErrCancelled)
	})

	t.Run("should refuse new sends", func(t *testing.T) {
		_, err := client.Send(context.Background(), "late")
		typed := requireKind(t, err, ErrCancelled)
		assert.Equal(t, "client closed", typed.Detail)
	})

	t.Run("should let the running send finish", func(t *testing.T) {
		close(remote.gate)
		require.NoError(t, <-running)
		assert.Equal(t, 1, remote.count(OpAppendTurn+":user"))
	})
}

func TestClient_Reset(t *testing.T) {
	remote := newFakeRemote()
	client := newTestClient(t, remote)

	_, err := client.Send(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "thread_1", client.SessionID())

	client.Reset()
	assert.Empty(t, client.SessionID())

	_, err = client.Send(context.Background(), "hello again")
	require.NoError(t, err)
	assert.Equal(t, "thread_2", client.SessionID())
}

func TestClient_Observer(t *testing.T) {
	remote := newFakeRemote(RunState{Status: StatusInProgress}, RunState{Status: StatusCompleted})
	obs := &recordingObserver{}
	client := newTestClient(t, remote, func(c *Config) { c.Observer = obs })

	_, err := client.Send(context.Background(), "hello")
	require.NoError(t, err)

	require.Len(t, obs.started, 1)
	require.Len(t, obs.finished, 1)
	assert.Equal(t, "run_1", obs.started[0].RunID)
	assert.Equal(t, PurposeTurn, obs.started[0].Purpose)
	assert.Equal(t, "completed", obs.finished[0].Outcome)
	assert.Equal(t, 2, obs.finished[0].Attempts)
	assert.Equal(t, "test", obs.finished[0].SessionKey)
	assert.False(t, obs.finished[0].FinishedAt.IsZero())
}
