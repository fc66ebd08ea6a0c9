// Package remote selects and builds the assistant.RemoteAPI backend.
package remote

import (
	"fmt"
	"net/http"
	"time"

	"github.com/harun/flipmentor/pkg/assistant"
	"github.com/harun/flipmentor/pkg/remote/goopenai"
	"github.com/harun/flipmentor/pkg/remote/openaisdk"
	"github.com/rs/zerolog"
)

// Backend names.
const (
	BackendOpenAI   = "openai"
	BackendGoOpenAI = "go-openai"
)

// Options are the settings shared by every backend.
type Options struct {
	Backend        string
	APIKey         string
	AssistantID    string
	BaseURL        string
	Organization   string
	RequestTimeout time.Duration
	TurnWindow     int
	HTTPClient     *http.Client
	Logger         zerolog.Logger
}

// New builds the backend named by opts.Backend. An empty name selects the
// official SDK.
func New(opts Options) (assistant.RemoteAPI, error) {
	switch opts.Backend {
	case "", BackendOpenAI:
		r, err := openaisdk.New(openaisdk.Config{
			APIKey:         opts.APIKey,
			AssistantID:    opts.AssistantID,
			BaseURL:        opts.BaseURL,
			Organization:   opts.Organization,
			RequestTimeout: opts.RequestTimeout,
			TurnWindow:     opts.TurnWindow,
			HTTPClient:     opts.HTTPClient,
			Logger:         opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	case BackendGoOpenAI:
		r, err := goopenai.New(goopenai.Config{
			APIKey:         opts.APIKey,
			AssistantID:    opts.AssistantID,
			BaseURL:        opts.BaseURL,
			Organization:   opts.Organization,
			RequestTimeout: opts.RequestTimeout,
			TurnWindow:     opts.TurnWindow,
			HTTPClient:     opts.HTTPClient,
			Logger:         opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, fmt.Errorf("unknown backend: %q", opts.Backend)
}
