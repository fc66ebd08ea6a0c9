package remote

import (
	"testing"

	"github.com/harun/flipmentor/pkg/remote/goopenai"
	"github.com/harun/flipmentor/pkg/remote/openaisdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	base := Options{APIKey: "sk-test", AssistantID: "asst_1"}

	t.Run("should default to the official SDK", func(t *testing.T) {
		r, err := New(base)
		require.NoError(t, err)
		assert.IsType(t, &openaisdk.Remote{}, r)
	})

	t.Run("should build go-openai backend", func(t *testing.T) {
		opts := base
		opts.Backend = BackendGoOpenAI
		r, err := New(opts)
		require.NoError(t, err)
		assert.IsType(t, &goopenai.Remote{}, r)
	})

	t.Run("should reject unknown backend", func(t *testing.T) {
		opts := base
		opts.Backend = "anthropic"
		_, err := New(opts)
		assert.Error(t, err)
	})

	t.Run("should propagate adapter validation", func(t *testing.T) {
		_, err := New(Options{Backend: BackendOpenAI, APIKey: "sk-test"})
		assert.Error(t, err)
	})
}
