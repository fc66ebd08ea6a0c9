// Package openaisdk implements assistant.RemoteAPI on top of the official
// openai-go SDK and its Assistants v2 thread endpoints.
package openaisdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/harun/flipmentor/pkg/assistant"
	"github.com/harun/flipmentor/pkg/remote/internal/wire"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"
)

// Config configures the adapter.
type Config struct {
	APIKey       string
	AssistantID  string
	BaseURL      string
	Organization string
	// RequestTimeout bounds each HTTP request. Zero leaves it to the context.
	RequestTimeout time.Duration
	// TurnWindow is how many of the newest messages ListTurns reads.
	TurnWindow int
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Remote talks to one assistant through the openai-go client.
type Remote struct {
	client      openai.Client
	assistantID string
	turnWindow  int
	logger      zerolog.Logger
}

var (
	_ assistant.RemoteAPI    = (*Remote)(nil)
	_ assistant.RunCanceller = (*Remote)(nil)
)

// New creates the adapter. The SDK's own retries are disabled so that the
// caller sees every failure.
func New(cfg Config) (*Remote, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	if cfg.AssistantID == "" {
		return nil, errors.New("assistant id is required")
	}
	if cfg.TurnWindow <= 0 {
		cfg.TurnWindow = wire.DefaultTurnWindow
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Organization != "" {
		opts = append(opts, option.WithOrganization(cfg.Organization))
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.RequestTimeout))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &Remote{
		client:      openai.NewClient(opts...),
		assistantID: cfg.AssistantID,
		turnWindow:  cfg.TurnWindow,
		logger:      cfg.Logger.With().Str("component", "openai-sdk").Logger(),
	}, nil
}

func (r *Remote) CreateSession(ctx context.Context) (string, error) {
	thread, err := r.client.Beta.Threads.New(ctx, openai.BetaThreadNewParams{})
	if err != nil {
		return "", wrapError(err)
	}
	r.logger.Debug().Str("thread_id", thread.ID).Msg("Thread created")
	return thread.ID, nil
}

func (r *Remote) AppendTurn(ctx context.Context, sessionID string, role assistant.Role, content string) error {
	vendorRole, metadata := wire.EncodeRole(role)
	params := openai.BetaThreadMessageNewParams{
		Content: openai.BetaThreadMessageNewParamsContentUnion{OfString: openai.String(content)},
		Role:    openai.BetaThreadMessageNewParamsRole(vendorRole),
	}
	if metadata != nil {
		params.Metadata = metadata
	}
	if _, err := r.client.Beta.Threads.Messages.New(ctx, sessionID, params); err != nil {
		return wrapError(err)
	}
	return nil
}

func (r *Remote) StartRun(ctx context.Context, sessionID string) (string, error) {
	run, err := r.client.Beta.Threads.Runs.New(ctx, sessionID, openai.BetaThreadRunNewParams{
		AssistantID: r.assistantID,
	})
	if err != nil {
		return "", wrapError(err)
	}
	return run.ID, nil
}

func (r *Remote) GetRunStatus(ctx context.Context, sessionID, runID string) (assistant.RunState, error) {
	run, err := r.client.Beta.Threads.Runs.Get(ctx, sessionID, runID)
	if err != nil {
		return assistant.RunState{}, wrapError(err)
	}
	status := assistant.RunStatus(run.Status)
	return assistant.RunState{
		Status: status,
		Detail: wire.FailureDetail(status, run.LastError.Code, run.LastError.Message, run.IncompleteDetails.Reason),
	}, nil
}

func (r *Remote) ListTurns(ctx context.Context, sessionID string) ([]assistant.Turn, error) {
	page, err := r.client.Beta.Threads.Messages.List(ctx, sessionID, openai.BetaThreadMessageListParams{
		Limit: openai.Int(int64(r.turnWindow)),
		Order: openai.BetaThreadMessageListParamsOrderDesc,
	})
	if err != nil {
		return nil, wrapError(err)
	}

	turns := make([]assistant.Turn, 0, len(page.Data))
	for _, msg := range page.Data {
		parts := make([]string, 0, len(msg.Content))
		for _, block := range msg.Content {
			switch block.Type {
			case "text":
				parts = append(parts, block.Text.Value)
			case "refusal":
				parts = append(parts, block.Refusal)
			}
		}
		turns = append(turns, assistant.Turn{
			ID:        msg.ID,
			Role:      wire.DecodeRole(string(msg.Role), msg.Metadata),
			Content:   wire.JoinText(parts),
			CreatedAt: time.Unix(msg.CreatedAt, 0),
		})
	}
	return wire.Reverse(turns), nil
}

func (r *Remote) ListRuns(ctx context.Context, sessionID string) ([]assistant.Run, error) {
	page, err := r.client.Beta.Threads.Runs.List(ctx, sessionID, openai.BetaThreadRunListParams{
		Limit: openai.Int(wire.DefaultRunWindow),
		Order: openai.BetaThreadRunListParamsOrderDesc,
	})
	if err != nil {
		return nil, wrapError(err)
	}

	runs := make([]assistant.Run, 0, len(page.Data))
	for _, run := range page.Data {
		runs = append(runs, assistant.Run{
			ID:        run.ID,
			SessionID: run.ThreadID,
			Status:    assistant.RunStatus(run.Status),
			CreatedAt: time.Unix(run.CreatedAt, 0),
		})
	}
	return runs, nil
}

func (r *Remote) CancelRun(ctx context.Context, sessionID, runID string) error {
	if _, err := r.client.Beta.Threads.Runs.Cancel(ctx, sessionID, runID); err != nil {
		return wrapError(err)
	}
	return nil
}

func wrapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		return &assistant.TransportError{
			StatusCode: apiErr.StatusCode,
			Code:       apiErr.Code,
			Message:    msg,
			Err:        err,
		}
	}
	return &assistant.TransportError{Message: fmt.Sprintf("request failed: %v", err), Err: err}
}
