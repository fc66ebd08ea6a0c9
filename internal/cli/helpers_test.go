package cli

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/harun/flipmentor/internal/config"
	"github.com/harun/flipmentor/pkg/assistant"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

// echoRemote answers each run with "re: " plus the last appended turn.
type echoRemote struct {
	mu       sync.Mutex
	sessions int
	runs     int
	turns    map[string][]assistant.Turn
}

func newEchoRemote() *echoRemote {
	return &echoRemote{turns: make(map[string][]assistant.Turn)}
}

func (e *echoRemote) CreateSession(context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions++
	return fmt.Sprintf("thread_%d", e.sessions), nil
}

func (e *echoRemote) AppendTurn(_ context.Context, sessionID string, role assistant.Role, content string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.turns[sessionID] = append(e.turns[sessionID], assistant.Turn{Role: role, Content: content})
	return nil
}

func (e *echoRemote) StartRun(_ context.Context, sessionID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runs++
	turns := e.turns[sessionID]
	if len(turns) > 0 {
		e.turns[sessionID] = append(turns, assistant.Turn{Role: assistant.RoleAssistant, Content: "re: " + turns[len(turns)-1].Content})
	}
	return fmt.Sprintf("run_%d", e.runs), nil
}

func (e *echoRemote) GetRunStatus(context.Context, string, string) (assistant.RunState, error) {
	return assistant.RunState{Status: assistant.StatusCompleted}, nil
}

func (e *echoRemote) ListTurns(_ context.Context, sessionID string) ([]assistant.Turn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]assistant.Turn(nil), e.turns[sessionID]...), nil
}

func (e *echoRemote) ListRuns(context.Context, string) ([]assistant.Run, error) {
	return nil, nil
}

func (e *echoRemote) sessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions
}

// useRemote routes every command in the test to remote.
func useRemote(t *testing.T, remote assistant.RemoteAPI) {
	t.Helper()
	prev := newRemote
	newRemote = func(*config.Config, zerolog.Logger) (assistant.RemoteAPI, error) {
		return remote, nil
	}
	t.Cleanup(func() { newRemote = prev })
}

// writeConfig saves a valid config under a temp dir and returns its path.
func writeConfig(t *testing.T, mutate func(cfg *config.Config)) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.OpenAI.APIKey = "sk-test-secret-key"
	cfg.OpenAI.AssistantID = "asst_test"
	cfg.Assistant.PollIntervalMs = 1
	cfg.Ledger.Path = filepath.Join(dir, "runs.db")
	cfg.Logging.Level = "error"
	if mutate != nil {
		mutate(cfg)
	}

	path := filepath.Join(dir, "flipmentor.json")
	require.NoError(t, config.NewLoader(path).Save(cfg))
	return path
}

// execute runs the root command with stdin and returns stdout.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	resetCommandState(rootCmd)

	out := &bytes.Buffer{}
	cmd := GetRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(out)
	cmd.SetErr(out)

	err := cmd.Execute()
	return out.String(), err
}

// resetCommandState clears flag values left over from earlier executions.
func resetCommandState(cmd *cobra.Command) {
	cfgFile, logLevel, sessionKey = "", "info", ""
	runsSession, runsKey, runsLimit, runsJSON = "", "", 20, false
	stopTimeout = 30

	var walk func(c *cobra.Command)
	walk = func(c *cobra.Command) {
		for _, fs := range []*pflag.FlagSet{c.Flags(), c.PersistentFlags()} {
			fs.VisitAll(func(f *pflag.Flag) {
				f.Changed = false
				if f.Name == "help" || f.Name == "version" {
					_ = f.Value.Set("false")
				}
			})
		}
		for _, child := range c.Commands() {
			walk(child)
		}
	}
	walk(cmd)
}
