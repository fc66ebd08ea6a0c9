package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/harun/flipmentor/internal/config"
	"github.com/harun/flipmentor/pkg/runledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAskCommand(t *testing.T) {
	remote := newEchoRemote()
	useRemote(t, remote)
	path := writeConfig(t, nil)

	t.Run("should print the reply", func(t *testing.T) {
		out, err := execute(t, "", "--config", path, "ask", "--session", "quiz-1", "what", "is", "entropy?")
		require.NoError(t, err)
		assert.Equal(t, "re: what is entropy?\n", out)
	})

	t.Run("should record the run in the ledger", func(t *testing.T) {
		out, err := execute(t, "", "--config", path, "runs", "list", "--json", "--key", "quiz-1")
		require.NoError(t, err)

		var entries []runledger.Entry
		require.NoError(t, json.Unmarshal([]byte(out), &entries))
		require.Len(t, entries, 1)
		assert.Equal(t, "thread_1", entries[0].SessionID)
		assert.Equal(t, "completed", entries[0].Outcome)
	})

	t.Run("should print a table", func(t *testing.T) {
		out, err := execute(t, "", "--config", path, "runs", "list")
		require.NoError(t, err)
		assert.Contains(t, out, "OUTCOME")
		assert.Contains(t, out, "quiz-1")
	})

	t.Run("should require a question", func(t *testing.T) {
		_, err := execute(t, "", "--config", path, "ask")
		assert.Error(t, err)
	})
}

func TestAskCommand_InvalidConfig(t *testing.T) {
	useRemote(t, newEchoRemote())
	path := writeConfig(t, func(cfg *config.Config) { cfg.OpenAI.AssistantID = "not-an-assistant" })

	_, err := execute(t, "", "--config", path, "ask", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config init")
}

func TestChatCommand(t *testing.T) {
	remote := newEchoRemote()
	useRemote(t, remote)
	path := writeConfig(t, func(cfg *config.Config) {
		cfg.Course.Name = "Thermodynamics"
		cfg.Course.AssistantName = "Tutor"
	})

	out, err := execute(t, "hello\n\n/reset\nagain\n/quit\nnever sent\n", "--config", path, "chat")
	require.NoError(t, err)

	t.Run("should print the banner", func(t *testing.T) {
		assert.True(t, strings.HasPrefix(out, "Tutor (Thermodynamics)\n"))
	})

	t.Run("should print replies with the assistant name", func(t *testing.T) {
		assert.Contains(t, out, "Tutor> re: hello\n")
		assert.Contains(t, out, "Tutor> re: again\n")
		assert.NotContains(t, out, "never sent")
	})

	t.Run("should start a new session after reset", func(t *testing.T) {
		assert.Contains(t, out, "Started a new conversation.")
		assert.Equal(t, 2, remote.sessionCount())
	})
}

func TestChatLoop_Welcome(t *testing.T) {
	remote := newEchoRemote()
	useRemote(t, remote)
	path := writeConfig(t, func(cfg *config.Config) {
		cfg.Assistant.BootstrapSeedTurn = "Greet the student."
		cfg.Assistant.WelcomeRun = true
	})

	out, err := execute(t, "hi\n", "--config", path, "chat")
	require.NoError(t, err)

	welcome := strings.Index(out, "Flipmentor> re: Greet the student.")
	reply := strings.Index(out, "Flipmentor> re: hi")
	require.NotEqual(t, -1, welcome)
	require.NotEqual(t, -1, reply)
	assert.Less(t, welcome, reply)
}

func TestPrintBanner(t *testing.T) {
	t.Run("should fall back to the product name", func(t *testing.T) {
		var buf bytes.Buffer
		cfg := config.DefaultConfig()
		cfg.Course.AssistantName = ""
		printBanner(&buf, cfg)
		assert.True(t, strings.HasPrefix(buf.String(), "Flipmentor\n"))
	})
}
