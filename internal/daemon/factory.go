package daemon

import (
	"fmt"

	"github.com/harun/flipmentor/internal/config"
	"github.com/harun/flipmentor/pkg/assistant"
	"github.com/harun/flipmentor/pkg/commandqueue"
	"github.com/harun/flipmentor/pkg/remote"
	"github.com/harun/flipmentor/pkg/sessions"
	"github.com/rs/zerolog"
)

// NewRemote builds the backend adapter selected by cfg.
func NewRemote(cfg *config.Config, logger zerolog.Logger) (assistant.RemoteAPI, error) {
	api, err := remote.New(remote.Options{
		Backend:        cfg.OpenAI.Backend,
		APIKey:         cfg.OpenAI.APIKey,
		AssistantID:    cfg.OpenAI.AssistantID,
		BaseURL:        cfg.OpenAI.BaseURL,
		Organization:   cfg.OpenAI.Organization,
		RequestTimeout: cfg.RequestTimeout(),
		TurnWindow:     cfg.OpenAI.TurnWindow,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create remote: %w", err)
	}
	return api, nil
}

// ClientConfig maps the file configuration onto client options. Key is left
// for the caller.
func ClientConfig(cfg *config.Config, api assistant.RemoteAPI, logger zerolog.Logger) assistant.Config {
	return assistant.Config{
		Remote:              api,
		Logger:              logger,
		PollInterval:        cfg.PollInterval(),
		MaxAttempts:         cfg.Assistant.MaxAttempts,
		BootstrapSeedTurn:   cfg.SeedTurn(),
		SeedRole:            assistant.Role(cfg.Assistant.SeedRole),
		WelcomeRun:          cfg.Assistant.WelcomeRun,
		SendPolicy:          assistant.SendPolicy(cfg.Assistant.SendPolicy),
		CancelRemoteOnAbort: cfg.Assistant.CancelRemoteOnAbort,
	}
}

// NewClientFactory returns a factory building one client per session key.
// All clients share queue and report to observer.
func NewClientFactory(cfg *config.Config, api assistant.RemoteAPI, queue *commandqueue.CommandQueue, observer assistant.RunObserver, logger zerolog.Logger) sessions.ClientFactory {
	base := ClientConfig(cfg, api, logger)
	base.Queue = queue
	base.Observer = observer

	return func(key string) (*assistant.Client, error) {
		c := base
		c.Key = key
		return assistant.NewClient(c)
	}
}
