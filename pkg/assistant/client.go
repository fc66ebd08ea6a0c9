package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/flipmentor/internal/observability"
	"github.com/harun/flipmentor/internal/tracing"
	"github.com/harun/flipmentor/pkg/commandqueue"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultPollInterval  = 2 * time.Second
	DefaultMaxAttempts   = 30
	DefaultCancelTimeout = 10 * time.Second
	DefaultQueueWarn     = 5 * time.Second
)

// SendPolicy decides what happens to a Send issued while another Send on
// the same client is still running.
type SendPolicy string

const (
	// SendPolicyQueue makes later sends wait for their turn.
	SendPolicyQueue SendPolicy = "queue"
	// SendPolicyReject fails later sends with ErrRunInProgress.
	SendPolicyReject SendPolicy = "reject"
)

// Config holds client configuration
type Config struct {
	Remote RemoteAPI
	// Queue serializes sends. A private queue is created when nil.
	Queue *commandqueue.CommandQueue
	// Key names the caller-side conversation in logs, lanes and the run
	// ledger. A random key is generated when empty.
	Key    string
	Logger zerolog.Logger

	PollInterval time.Duration
	MaxAttempts  int

	// BootstrapSeedTurn, when set, is appended once with SeedRole right
	// after the session is created and before the first user turn.
	BootstrapSeedTurn string
	SeedRole          Role
	// WelcomeRun starts a run after seeding and keeps its reply for Welcome.
	WelcomeRun bool

	SendPolicy SendPolicy
	// CancelRemoteOnAbort cancels the remote run when the caller's context
	// ends while polling.
	CancelRemoteOnAbort bool
	CancelTimeout       time.Duration

	Observer RunObserver
}

func (cfg *Config) applyDefaults() error {
	if cfg.Remote == nil {
		return errors.New("remote API is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = DefaultCancelTimeout
	}
	if cfg.SeedRole == "" {
		cfg.SeedRole = RoleSystem
	}
	if !cfg.SeedRole.Valid() {
		return fmt.Errorf("invalid seed role: %q", cfg.SeedRole)
	}
	switch cfg.SendPolicy {
	case "":
		cfg.SendPolicy = SendPolicyQueue
	case SendPolicyQueue, SendPolicyReject:
	default:
		return fmt.Errorf("invalid send policy: %q", cfg.SendPolicy)
	}
	if cfg.WelcomeRun && strings.TrimSpace(cfg.BootstrapSeedTurn) == "" {
		return errors.New("welcome run requires a bootstrap seed turn")
	}
	if cfg.Key == "" {
		id, err := gonanoid.New()
		if err != nil {
			return fmt.Errorf("failed to generate session key: %w", err)
		}
		cfg.Key = id
	}
	return nil
}

type bootstrapState int

const (
	stateUninitialized bootstrapState = iota
	stateCreating
	stateSeeding
	stateReady
)

func (s bootstrapState) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateCreating:
		return "creating"
	case stateSeeding:
		return "seeding"
	case stateReady:
		return "ready"
	}
	return "unknown"
}

// Client is a session-scoped assistant client. It is safe for concurrent
// use; sends are serialized.
type Client struct {
	cfg       Config
	remote    RemoteAPI
	queue     *commandqueue.CommandQueue
	ownsQueue bool
	lane      string
	logger    zerolog.Logger
	observer  RunObserver

	mu         sync.Mutex
	state      bootstrapState
	sessionID  string
	welcome    string
	generation uint64

	busy         atomic.Bool
	closed       atomic.Bool
	inFlight     atomic.Int32
	lastActivity atomic.Int64
}

// NewClient creates a client. No remote call is made until the first Send.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	observability.EnsureRegistered()

	c := &Client{
		cfg:      cfg,
		remote:   cfg.Remote,
		queue:    cfg.Queue,
		lane:     "session:" + cfg.Key,
		logger:   cfg.Logger.With().Str("component", "assistant").Str("session_key", cfg.Key).Logger(),
		observer: cfg.Observer,
	}
	if c.queue == nil {
		c.queue = commandqueue.New()
		c.ownsQueue = true
	}
	c.Touch()

	return c, nil
}

// Key returns the caller-side session key.
func (c *Client) Key() string {
	return c.cfg.Key
}

// SessionID returns the remote session id, or "" before bootstrap.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Welcome returns the reply produced by the welcome run, if one ran.
func (c *Client) Welcome() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.welcome, c.welcome != ""
}

// Busy reports whether a Send is running or waiting.
func (c *Client) Busy() bool {
	return c.inFlight.Load() > 0
}

// LastActivity returns when the client was last used.
func (c *Client) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Touch marks the client as used now.
func (c *Client) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Reset forgets the current session. The next Send creates a new one.
// Sends still waiting in the queue fail with ErrCancelled; a running Send
// finishes against the old session.
func (c *Client) Reset() {
	c.mu.Lock()
	old := c.sessionID
	c.generation++
	c.state = stateUninitialized
	c.sessionID = ""
	c.welcome = ""
	c.mu.Unlock()

	dropped := c.queue.ResetLane(c.lane)
	c.logger.Info().
		Str("old_session_id", old).
		Int("dropped", dropped).
		Msg("Session reset")
}

// Close stops the client. Later sends and sends still queued fail with
// ErrCancelled; on a shared queue only this client's lane is cleared.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.ownsQueue {
		return c.queue.Close()
	}
	c.queue.ClearLane(c.lane)
	c.queue.RemoveLane(c.lane)
	return nil
}

// Send appends content as a user turn, runs the assistant and returns its
// reply. See the package documentation for the exact protocol.
func (c *Client) Send(ctx context.Context, content string) (reply string, err error) {
	start := time.Now()
	c.inFlight.Add(1)
	c.Touch()
	defer func() {
		c.inFlight.Add(-1)
		c.Touch()
		observability.RecordSend(KindName(err), time.Since(start))
	}()

	ctx = tracing.WithSessionKey(tracing.NewRequestContext(ctx), c.cfg.Key)
	ctx, span := tracing.StartSpan(ctx, "flipmentor.assistant", "assistant.send",
		attribute.String("session_key", c.cfg.Key),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if strings.TrimSpace(content) == "" {
		return "", &Error{Kind: ErrInvalidInput, Op: "send", Detail: "message content is empty"}
	}
	if c.closed.Load() {
		return "", &Error{Kind: ErrCancelled, Op: "send", SessionID: c.SessionID(), Detail: "client closed"}
	}

	if c.cfg.SendPolicy == SendPolicyReject {
		if !c.busy.CompareAndSwap(false, true) {
			return "", &Error{Kind: ErrRunInProgress, Op: "send", SessionID: c.SessionID(), Detail: "another message is still being processed"}
		}
		defer c.busy.Store(false)
	}

	logger := tracing.LoggerFromContext(ctx, c.logger)
	value, err := c.queue.Enqueue(ctx, c.lane, func(taskCtx context.Context) (interface{}, error) {
		return c.send(taskCtx, content)
	}, &commandqueue.TaskOptions{
		WarnAfter: DefaultQueueWarn,
		OnWait: func(wait time.Duration, pos int) {
			logger.Info().Dur("wait", wait).Int("position", pos).Msg("Message waiting for previous reply")
		},
	})
	if err != nil {
		return "", queueError(ctx, c.SessionID(), err)
	}

	return value.(string), nil
}

// queueError maps queue rejections onto the error taxonomy. Errors produced
// by the task itself pass through.
func queueError(ctx context.Context, sessionID string, err error) error {
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	switch {
	case errors.Is(err, commandqueue.ErrLaneReset):
		return &Error{Kind: ErrCancelled, Op: "send", SessionID: sessionID, Detail: "session reset", Err: err}
	case errors.Is(err, commandqueue.ErrLaneCleared), errors.Is(err, commandqueue.ErrQueueClosed):
		return &Error{Kind: ErrCancelled, Op: "send", SessionID: sessionID, Detail: "client closed", Err: err}
	case ctx.Err() != nil:
		return cancelled("send", sessionID, "", ctx.Err())
	}
	return err
}

// send runs inside the client's lane.
func (c *Client) send(ctx context.Context, content string) (string, error) {
	sessionID, err := c.ensureSession(ctx)
	if err != nil {
		return "", err
	}
	ctx = tracing.WithSessionID(ctx, sessionID)
	logger := tracing.LoggerFromContext(ctx, c.logger)

	if err := c.assertIdle(ctx, sessionID); err != nil {
		return "", err
	}

	if err := c.appendTurn(ctx, sessionID, RoleUser, content); err != nil {
		return "", err
	}
	logger.Debug().Int("length", len(content)).Msg("User turn appended")

	reply, err := c.execute(ctx, sessionID, PurposeTurn)
	if err != nil {
		return "", err
	}

	logger.Info().Int("reply_length", len(reply)).Msg("Assistant replied")
	return reply, nil
}

// ensureSession drives UNINITIALIZED -> CREATING -> SEEDING -> READY.
func (c *Client) ensureSession(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.state == stateReady {
		id := c.sessionID
		c.mu.Unlock()
		return id, nil
	}
	c.state = stateCreating
	generation := c.generation
	c.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "flipmentor.assistant", "assistant.bootstrap")
	defer span.End()

	sessionID, welcome, err := c.bootstrap(ctx, generation)
	observability.RecordBootstrap(err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.mu.Lock()
		if c.generation == generation {
			c.state = stateUninitialized
		}
		c.mu.Unlock()
		return "", err
	}

	c.mu.Lock()
	if c.generation == generation {
		c.state = stateReady
		c.sessionID = sessionID
		c.welcome = welcome
	}
	c.mu.Unlock()

	c.logger.Info().Str("session_id", sessionID).Msg("Session ready")
	return sessionID, nil
}

func (c *Client) bootstrap(ctx context.Context, generation uint64) (string, string, error) {
	start := time.Now()
	sessionID, err := c.remote.CreateSession(ctx)
	observability.RecordRemoteRequest(OpCreateSession, time.Since(start), err == nil)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to create session")
		return "", "", remoteFailure(ctx, OpCreateSession, "", "", err)
	}

	if strings.TrimSpace(c.cfg.BootstrapSeedTurn) == "" {
		return sessionID, "", nil
	}

	c.mu.Lock()
	if c.generation == generation {
		c.state = stateSeeding
	}
	c.mu.Unlock()

	ctx = tracing.WithSessionID(ctx, sessionID)
	if err := c.appendTurn(ctx, sessionID, c.cfg.SeedRole, c.cfg.BootstrapSeedTurn); err != nil {
		c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Seeding failed, abandoning session")
		return "", "", err
	}

	if !c.cfg.WelcomeRun {
		return sessionID, "", nil
	}

	welcome, err := c.execute(ctx, sessionID, PurposeWelcome)
	if err != nil {
		c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Welcome run failed, abandoning session")
		return "", "", err
	}
	return sessionID, welcome, nil
}

// assertIdle fails with ErrRunInProgress when the session has an active run.
func (c *Client) assertIdle(ctx context.Context, sessionID string) error {
	start := time.Now()
	runs, err := c.remote.ListRuns(ctx, sessionID)
	observability.RecordRemoteRequest(OpListRuns, time.Since(start), err == nil)
	if err != nil {
		return remoteFailure(ctx, OpListRuns, sessionID, "", err)
	}

	for _, run := range runs {
		if run.Status.IsActive() {
			return &Error{
				Kind:      ErrRunInProgress,
				Op:        OpListRuns,
				SessionID: sessionID,
				RunID:     run.ID,
				Detail:    fmt.Sprintf("run is %s", run.Status),
			}
		}
	}
	return nil
}

func (c *Client) appendTurn(ctx context.Context, sessionID string, role Role, content string) error {
	start := time.Now()
	err := c.remote.AppendTurn(ctx, sessionID, role, content)
	observability.RecordRemoteRequest(OpAppendTurn, time.Since(start), err == nil)
	if err != nil {
		return remoteFailure(ctx, OpAppendTurn, sessionID, "", err)
	}
	return nil
}

// execute starts a run, waits for it and reads the reply.
func (c *Client) execute(ctx context.Context, sessionID string, purpose RunPurpose) (string, error) {
	start := time.Now()
	runID, err := c.remote.StartRun(ctx, sessionID)
	observability.RecordRemoteRequest(OpStartRun, time.Since(start), err == nil)
	if err != nil {
		return "", remoteFailure(ctx, OpStartRun, sessionID, "", err)
	}

	ctx = tracing.WithRunID(ctx, runID)
	logger := tracing.LoggerFromContext(ctx, c.logger)
	logger.Debug().Str("purpose", string(purpose)).Msg("Run started")

	ev := RunEvent{
		SessionKey: c.cfg.Key,
		SessionID:  sessionID,
		RunID:      runID,
		Purpose:    purpose,
		Status:     StatusQueued,
		StartedAt:  start,
	}
	if c.observer != nil {
		c.observer.RunStarted(ctx, ev)
	}

	out := c.awaitRun(ctx, sessionID, runID)
	observability.RecordRunOutcome(out.kind.String(), out.attempts)

	if out.kind == outcomeAborted {
		c.cancelAbandonedRun(ctx, sessionID, runID)
	}

	runErr := out.err(sessionID, runID)
	var reply string
	if runErr == nil {
		reply, runErr = c.readReply(ctx, sessionID, runID)
		if runErr != nil {
			var typed *Error
			if errors.As(runErr, &typed) && errors.Is(runErr, ErrRunFailed) {
				out.kind = outcomeFailed
				out.detail = typed.Detail
			}
		}
	}

	if c.observer != nil {
		ev.Outcome = out.kind.String()
		ev.Status = out.status
		ev.Attempts = out.attempts
		ev.Detail = out.detail
		ev.FinishedAt = time.Now()
		c.observer.RunFinished(tracing.Detach(ctx), ev)
	}

	if runErr != nil {
		logger.Warn().
			Err(runErr).
			Str("outcome", out.kind.String()).
			Int("attempts", out.attempts).
			Msg("Run did not produce a reply")
		return "", runErr
	}
	return reply, nil
}

func (c *Client) readReply(ctx context.Context, sessionID, runID string) (string, error) {
	start := time.Now()
	turns, err := c.remote.ListTurns(ctx, sessionID)
	observability.RecordRemoteRequest(OpListTurns, time.Since(start), err == nil)
	if err != nil {
		return "", remoteFailure(ctx, OpListTurns, sessionID, runID, err)
	}

	reply, ok := latestReply(turns)
	if !ok {
		return "", &Error{
			Kind:      ErrRunFailed,
			Op:        OpListTurns,
			SessionID: sessionID,
			RunID:     runID,
			Detail:    "completed run produced no assistant turn",
		}
	}
	return reply, nil
}
