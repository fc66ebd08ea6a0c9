// Package wire holds the conventions both vendor adapters share when they
// map turns onto thread messages.
package wire

import (
	"strings"

	"github.com/harun/flipmentor/pkg/assistant"
)

// RoleKey is the message metadata key that records the original role of a
// turn the vendor cannot store natively.
const RoleKey = "flipmentor_role"

// DefaultTurnWindow is how many of the newest messages ListTurns reads.
const DefaultTurnWindow = 20

// DefaultRunWindow is how many of the newest runs ListRuns reads.
const DefaultRunWindow = 20

// EncodeRole returns the vendor role and metadata for a turn. Thread
// messages only accept user and assistant, so system turns travel as user
// messages tagged with RoleKey.
func EncodeRole(role assistant.Role) (string, map[string]string) {
	switch role {
	case assistant.RoleAssistant:
		return string(assistant.RoleAssistant), nil
	case assistant.RoleSystem:
		return string(assistant.RoleUser), map[string]string{RoleKey: string(assistant.RoleSystem)}
	}
	return string(assistant.RoleUser), nil
}

// DecodeRole reverses EncodeRole.
func DecodeRole(vendorRole string, metadata map[string]string) assistant.Role {
	if r := assistant.Role(metadata[RoleKey]); r.Valid() {
		return r
	}
	if vendorRole == string(assistant.RoleAssistant) {
		return assistant.RoleAssistant
	}
	return assistant.RoleUser
}

// JoinText concatenates the text blocks of a message.
func JoinText(parts []string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

// Reverse flips a newest-first page into most-recent-last order in place.
func Reverse[T any](items []T) []T {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items
}

// FailureDetail picks the most useful description of a failed or
// incomplete run.
func FailureDetail(status assistant.RunStatus, code, message, incompleteReason string) string {
	switch status {
	case assistant.StatusFailed:
		if message != "" {
			return message
		}
		return code
	case assistant.StatusIncomplete:
		return incompleteReason
	}
	return ""
}
