package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harun/flipmentor/pkg/assistant"
	"github.com/harun/flipmentor/pkg/commandqueue"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRemote completes every run immediately. CreateSession waits on gate
// when it is set.
type stubRemote struct {
	mu       sync.Mutex
	sessions int
	gate     chan struct{}
}

func (s *stubRemote) CreateSession(ctx context.Context) (string, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions++
	return "thread_" + string(rune('0'+s.sessions)), nil
}

func (s *stubRemote) AppendTurn(context.Context, string, assistant.Role, string) error {
	return nil
}

func (s *stubRemote) StartRun(context.Context, string) (string, error) {
	return "run_1", nil
}

func (s *stubRemote) GetRunStatus(context.Context, string, string) (assistant.RunState, error) {
	return assistant.RunState{Status: assistant.StatusCompleted}, nil
}

func (s *stubRemote) ListTurns(context.Context, string) ([]assistant.Turn, error) {
	return []assistant.Turn{
		{Role: assistant.RoleUser, Content: "q"},
		{Role: assistant.RoleAssistant, Content: "a"},
	}, nil
}

func (s *stubRemote) ListRuns(context.Context, string) ([]assistant.Run, error) {
	return nil, nil
}

func factoryFor(remote assistant.RemoteAPI) ClientFactory {
	return func(key string) (*assistant.Client, error) {
		return assistant.NewClient(assistant.Config{
			Remote:       remote,
			Key:          key,
			Logger:       zerolog.Nop(),
			PollInterval: time.Millisecond,
		})
	}
}

func TestRegistry_Get(t *testing.T) {
	r := NewRegistry(factoryFor(&stubRemote{}), zerolog.Nop())
	defer r.Close()

	t.Run("should create lazily and reuse", func(t *testing.T) {
		a, err := r.Get("alice")
		require.NoError(t, err)
		again, err := r.Get("alice")
		require.NoError(t, err)
		assert.Same(t, a, again)
		assert.Equal(t, "alice", a.Key())
	})

	t.Run("should keep sessions apart", func(t *testing.T) {
		a, _ := r.Get("alice")
		b, err := r.Get("bob")
		require.NoError(t, err)
		assert.NotSame(t, a, b)
		assert.Equal(t, []string{"alice", "bob"}, r.Keys())
		assert.Equal(t, 2, r.Len())
	})

	t.Run("should reject blank keys", func(t *testing.T) {
		_, err := r.Get("  ")
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("should surface factory errors", func(t *testing.T) {
		failing := NewRegistry(func(string) (*assistant.Client, error) {
			return nil, errors.New("boom")
		}, zerolog.Nop())
		_, err := failing.Get("carol")
		assert.ErrorContains(t, err, "boom")
		assert.Zero(t, failing.Len())
	})
}

func TestRegistry_ConcurrentGet(t *testing.T) {
	r := NewRegistry(factoryFor(&stubRemote{}), zerolog.Nop())
	defer r.Close()

	var wg sync.WaitGroup
	clients := make([]*assistant.Client, 16)
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			clients[i], _ = r.Get("shared")
		}(i)
	}
	wg.Wait()

	for _, c := range clients {
		assert.Same(t, clients[0], c)
	}
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ResetAndRemove(t *testing.T) {
	remote := &stubRemote{}
	r := NewRegistry(factoryFor(remote), zerolog.Nop())
	defer r.Close()
	ctx := context.Background()

	c, err := r.Get("alice")
	require.NoError(t, err)
	_, err = c.Send(ctx, "hello")
	require.NoError(t, err)
	first := c.SessionID()
	require.NotEmpty(t, first)

	t.Run("should force a new remote session", func(t *testing.T) {
		assert.True(t, r.Reset("alice"))
		assert.Empty(t, c.SessionID())
		_, err := c.Send(ctx, "again")
		require.NoError(t, err)
		assert.NotEqual(t, first, c.SessionID())
	})

	t.Run("should report unknown keys", func(t *testing.T) {
		assert.False(t, r.Reset("nobody"))
		assert.False(t, r.Remove("nobody"))
	})

	t.Run("should forget removed clients", func(t *testing.T) {
		assert.True(t, r.Remove("alice"))
		_, ok := r.Lookup("alice")
		assert.False(t, ok)
		fresh, err := r.Get("alice")
		require.NoError(t, err)
		assert.NotSame(t, c, fresh)
	})
}

func TestRegistry_SetFactory(t *testing.T) {
	first := &stubRemote{}
	r := NewRegistry(factoryFor(first), zerolog.Nop())
	defer r.Close()

	old, err := r.Get("alice")
	require.NoError(t, err)

	second := &stubRemote{}
	r.SetFactory(factoryFor(second))

	kept, _ := r.Get("alice")
	assert.Same(t, old, kept)

	fresh, err := r.Get("bob")
	require.NoError(t, err)
	_, err = fresh.Send(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, 1, second.sessions)
	assert.Equal(t, 0, first.sessions)
}

func TestRegistry_EvictIdle(t *testing.T) {
	gated := &stubRemote{gate: make(chan struct{})}
	r := NewRegistry(factoryFor(gated), zerolog.Nop())
	defer r.Close()

	_, err := r.Get("idle")
	require.NoError(t, err)
	busy, err := r.Get("busy")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := busy.Send(context.Background(), "slow")
		done <- err
	}()
	require.Eventually(t, busy.Busy, time.Second, time.Millisecond)

	t.Run("should keep fresh clients", func(t *testing.T) {
		assert.Empty(t, r.EvictIdle(time.Hour, time.Now()))
		assert.Equal(t, 2, r.Len())
	})

	t.Run("should evict idle but never busy clients", func(t *testing.T) {
		evicted := r.EvictIdle(time.Minute, time.Now().Add(time.Hour))
		assert.Equal(t, []string{"idle"}, evicted)
		assert.Equal(t, []string{"busy"}, r.Keys())
	})

	close(gated.gate)
	require.NoError(t, <-done)

	t.Run("should evict once the send finished", func(t *testing.T) {
		evicted := r.EvictIdle(time.Minute, time.Now().Add(time.Hour))
		assert.Equal(t, []string{"busy"}, evicted)
		assert.Zero(t, r.Len())
	})
}

func TestRegistry_Acquire(t *testing.T) {
	remote := &stubRemote{}
	queue := commandqueue.New()
	defer queue.Close()

	r := NewRegistry(func(key string) (*assistant.Client, error) {
		return assistant.NewClient(assistant.Config{
			Remote:       remote,
			Queue:        queue,
			Key:          key,
			Logger:       zerolog.Nop(),
			PollInterval: time.Millisecond,
		})
	}, zerolog.Nop())
	defer r.Close()

	held, release, err := r.Acquire("alice")
	require.NoError(t, err)
	_, err = held.Send(context.Background(), "first")
	require.NoError(t, err)

	t.Run("should not evict a leased client", func(t *testing.T) {
		assert.Empty(t, r.EvictIdle(time.Nanosecond, time.Now().Add(time.Hour)))

		_, err := held.Send(context.Background(), "second")
		require.NoError(t, err)

		again, err := r.Get("alice")
		require.NoError(t, err)
		assert.Same(t, held, again)
		assert.Equal(t, "thread_1", held.SessionID())
	})

	release()
	release()

	t.Run("should evict once released", func(t *testing.T) {
		assert.Equal(t, []string{"alice"}, r.EvictIdle(time.Nanosecond, time.Now().Add(time.Hour)))
	})

	t.Run("should refuse sends on an evicted client", func(t *testing.T) {
		_, err := held.Send(context.Background(), "third")
		assert.ErrorIs(t, err, assistant.ErrCancelled)

		remote.mu.Lock()
		defer remote.mu.Unlock()
		assert.Equal(t, 1, remote.sessions)
	})

	t.Run("should count Get as activity", func(t *testing.T) {
		before := time.Now()
		c, err := r.Get("bob")
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)

		_, err = r.Get("bob")
		require.NoError(t, err)
		assert.True(t, c.LastActivity().After(before))
		assert.Empty(t, r.EvictIdle(time.Minute, time.Now()))
	})

	t.Run("should reject blank keys", func(t *testing.T) {
		_, _, err := r.Acquire("  ")
		assert.ErrorIs(t, err, ErrInvalidKey)
	})
}
