// Package goopenai implements assistant.RemoteAPI with the community
// go-openai client. It is the alternative to the openaisdk backend for
// deployments that already standardize on that library.
package goopenai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/harun/flipmentor/pkg/assistant"
	"github.com/harun/flipmentor/pkg/remote/internal/wire"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

// Config configures the adapter.
type Config struct {
	APIKey         string
	AssistantID    string
	BaseURL        string
	Organization   string
	RequestTimeout time.Duration
	TurnWindow     int
	HTTPClient     *http.Client
	Logger         zerolog.Logger
}

// Remote drives threads and runs through go-openai.
type Remote struct {
	client      *openai.Client
	assistantID string
	turnWindow  int
	logger      zerolog.Logger
}

var (
	_ assistant.RemoteAPI    = (*Remote)(nil)
	_ assistant.RunCanceller = (*Remote)(nil)
)

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

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	if cfg.Organization != "" {
		config.OrgID = cfg.Organization
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.RequestTimeout > 0 {
		clone := *httpClient
		clone.Timeout = cfg.RequestTimeout
		httpClient = &clone
	}
	config.HTTPClient = httpClient

	return &Remote{
		client:      openai.NewClientWithConfig(config),
		assistantID: cfg.AssistantID,
		turnWindow:  cfg.TurnWindow,
		logger:      cfg.Logger.With().Str("component", "go-openai").Logger(),
	}, nil
}

func (r *Remote) CreateSession(ctx context.Context) (string, error) {
	thread, err := r.client.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", wrapError(err)
	}
	r.logger.Debug().Str("thread_id", thread.ID).Msg("Thread created")
	return thread.ID, nil
}

func (r *Remote) AppendTurn(ctx context.Context, sessionID string, role assistant.Role, content string) error {
	vendorRole, tags := wire.EncodeRole(role)
	req := openai.MessageRequest{
		Role:    vendorRole,
		Content: content,
	}
	if tags != nil {
		req.Metadata = make(map[string]any, len(tags))
		for k, v := range tags {
			req.Metadata[k] = v
		}
	}
	if _, err := r.client.CreateMessage(ctx, sessionID, req); err != nil {
		return wrapError(err)
	}
	return nil
}

func (r *Remote) StartRun(ctx context.Context, sessionID string) (string, error) {
	run, err := r.client.CreateRun(ctx, sessionID, openai.RunRequest{AssistantID: r.assistantID})
	if err != nil {
		return "", wrapError(err)
	}
	return run.ID, nil
}

func (r *Remote) GetRunStatus(ctx context.Context, sessionID, runID string) (assistant.RunState, error) {
	run, err := r.client.RetrieveRun(ctx, sessionID, runID)
	if err != nil {
		return assistant.RunState{}, wrapError(err)
	}

	status := assistant.RunStatus(run.Status)
	var code, message string
	if run.LastError != nil {
		code, message = string(run.LastError.Code), run.LastError.Message
	}
	// go-openai does not decode incomplete_details.
	return assistant.RunState{
		Status: status,
		Detail: wire.FailureDetail(status, code, message, ""),
	}, nil
}

func (r *Remote) ListTurns(ctx context.Context, sessionID string) ([]assistant.Turn, error) {
	limit := r.turnWindow
	order := "desc"
	list, err := r.client.ListMessage(ctx, sessionID, &limit, &order, nil, nil, nil)
	if err != nil {
		return nil, wrapError(err)
	}

	turns := make([]assistant.Turn, 0, len(list.Messages))
	for _, msg := range list.Messages {
		parts := make([]string, 0, len(msg.Content))
		for _, block := range msg.Content {
			if block.Type == "text" && block.Text != nil {
				parts = append(parts, block.Text.Value)
			}
		}
		turns = append(turns, assistant.Turn{
			ID:        msg.ID,
			Role:      wire.DecodeRole(msg.Role, stringMetadata(msg.Metadata)),
			Content:   wire.JoinText(parts),
			CreatedAt: time.Unix(int64(msg.CreatedAt), 0),
		})
	}
	return wire.Reverse(turns), nil
}

func (r *Remote) ListRuns(ctx context.Context, sessionID string) ([]assistant.Run, error) {
	limit := wire.DefaultRunWindow
	order := "desc"
	list, err := r.client.ListRuns(ctx, sessionID, openai.Pagination{Limit: &limit, Order: &order})
	if err != nil {
		return nil, wrapError(err)
	}

	runs := make([]assistant.Run, 0, len(list.Runs))
	for _, run := range list.Runs {
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
	if _, err := r.client.CancelRun(ctx, sessionID, runID); err != nil {
		return wrapError(err)
	}
	return nil
}

func stringMetadata(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		te := &assistant.TransportError{
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
			Err:        err,
		}
		if apiErr.Code != nil {
			te.Code = fmt.Sprint(apiErr.Code)
		}
		return te
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := http.StatusText(reqErr.HTTPStatusCode)
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &assistant.TransportError{StatusCode: reqErr.HTTPStatusCode, Message: msg, Err: err}
	}

	return &assistant.TransportError{Message: fmt.Sprintf("request failed: %v", err), Err: err}
}
