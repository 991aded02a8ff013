package kiro

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ValidateToolCallID reports whether an ID can be sent upstream verbatim.
// The upstream rejects IDs containing ":" and some clients emit redacted
// placeholders.
func ValidateToolCallID(id string) bool {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return false
	}
	if strings.Contains(trimmed, ":") || strings.Contains(trimmed, "***") {
		return false
	}
	return true
}

// toolIDNamespace keys the deterministic replacement IDs.
var toolIDNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// SanitizeToolCallID passes valid IDs through and regenerates the rest.
// Regeneration is deterministic so a tool_use and its paired tool_result
// carrying the same invalid ID still match after sanitation.
func SanitizeToolCallID(id string) string {
	trimmed := strings.TrimSpace(id)
	if ValidateToolCallID(trimmed) {
		return trimmed
	}
	if trimmed == "" {
		return fmt.Sprintf("call_%s", uuid.NewString())
	}
	return fmt.Sprintf("call_%s", uuid.NewSHA1(toolIDNamespace, []byte(trimmed)).String())
}
