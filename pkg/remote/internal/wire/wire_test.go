package wire

import (
	"testing"

	"github.com/harun/flipmentor/pkg/assistant"
	"github.com/stretchr/testify/assert"
)

func TestRoleRoundTrip(t *testing.T) {
	for _, role := range []assistant.Role{assistant.RoleUser, assistant.RoleAssistant, assistant.RoleSystem} {
		vendor, meta := EncodeRole(role)
		assert.NotEqual(t, "system", vendor)
		assert.Equal(t, role, DecodeRole(vendor, meta))
	}
}

func TestDecodeRoleIgnoresUnknownMarker(t *testing.T) {
	assert.Equal(t, assistant.RoleUser, DecodeRole("user", map[string]string{RoleKey: "narrator"}))
}

func TestJoinText(t *testing.T) {
	assert.Equal(t, "a\n\nb", JoinText([]string{"a", "", "b"}))
	assert.Equal(t, "", JoinText(nil))
}

func TestReverse(t *testing.T) {
	assert.Equal(t, []int{3, 2, 1}, Reverse([]int{1, 2, 3}))
	assert.Empty(t, Reverse([]int{}))
}

func TestFailureDetail(t *testing.T) {
	assert.Equal(t, "Rate limit reached", FailureDetail(assistant.StatusFailed, "rate_limit_exceeded", "Rate limit reached", ""))
	assert.Equal(t, "server_error", FailureDetail(assistant.StatusFailed, "server_error", "", ""))
	assert.Equal(t, "max_prompt_tokens", FailureDetail(assistant.StatusIncomplete, "", "", "max_prompt_tokens"))
	assert.Equal(t, "", FailureDetail(assistant.StatusCompleted, "x", "y", "z"))
}
