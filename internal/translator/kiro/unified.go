// Package kiro translates between the client-facing chat protocols (OpenAI
// chat completions, Anthropic messages) and the upstream CodeWhisperer
// conversation format. Both request adapters normalize into the unified
// message representation in this file; a shared builder then produces the
// upstream payload.
package kiro

import (
	"fmt"
	"strings"
)

// Message roles in the unified representation.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ValidationError reports a client request the translator refuses to encode.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// BlockKind discriminates ContentBlock variants.
type BlockKind int

const (
	BlockText BlockKind = iota
	BlockImage
	BlockToolCall
	BlockToolResult
)

// ContentBlock is one ordered fragment of a message. Exactly one variant is
// populated, discriminated by Kind.
type ContentBlock struct {
	Kind BlockKind

	Text string

	// BlockImage
	MediaType string
	ImageData []byte

	// BlockToolCall
	ToolCallID string
	ToolName   string
	InputJSON  string

	// BlockToolResult
	ToolUseID     string
	ResultContent string
	ResultIsError bool
}

// UnifiedMessage is one conversational turn after adapter normalization.
type UnifiedMessage struct {
	Role   string
	Blocks []ContentBlock
}

// Text concatenates the message's text blocks.
func (m *UnifiedMessage) Text() string {
	parts := make([]string, 0, len(m.Blocks))
	for _, b := range m.Blocks {
		if b.Kind == BlockText && strings.TrimSpace(b.Text) != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

func (m *UnifiedMessage) hasToolResult() bool {
	for _, b := range m.Blocks {
		if b.Kind == BlockToolResult {
			return true
		}
	}
	return false
}

// UnifiedTool is a tool definition after description truncation.
type UnifiedTool struct {
	Name        string
	Description string
	SchemaJSON  string
}

// UnifiedRequest carries everything the Kiro payload builder needs.
type UnifiedRequest struct {
	System     string
	Messages   []UnifiedMessage
	Tools      []UnifiedTool
	ToolChoice string // "", "auto", "none", "required", or a tool name
	Stream     bool
}

// mergeAdjacent folds consecutive same-role messages into one, preserving
// block order. The upstream rejects back-to-back turns from one speaker.
func mergeAdjacent(messages []UnifiedMessage) []UnifiedMessage {
	if len(messages) == 0 {
		return messages
	}
	merged := make([]UnifiedMessage, 0, len(messages))
	for _, msg := range messages {
		if len(merged) > 0 && merged[len(merged)-1].Role == msg.Role {
			last := &merged[len(merged)-1]
			last.Blocks = append(last.Blocks, msg.Blocks...)
			continue
		}
		merged = append(merged, msg)
	}
	return merged
}

// insertSyntheticAssistants guarantees every tool-result turn follows an
// assistant turn. Clients sometimes drop the assistant message that issued
// the tool call; the upstream requires the pairing, so an empty assistant
// turn is inserted where it is missing.
func insertSyntheticAssistants(messages []UnifiedMessage) []UnifiedMessage {
	out := make([]UnifiedMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.hasToolResult() {
			if len(out) == 0 || out[len(out)-1].Role != RoleAssistant {
				out = append(out, UnifiedMessage{
					Role:   RoleAssistant,
					Blocks: []ContentBlock{{Kind: BlockText, Text: ""}},
				})
			}
		}
		out = append(out, msg)
	}
	return out
}

// normalizeConversation applies the shared invariants: merge first, then
// pair tool results with assistant turns.
func normalizeConversation(messages []UnifiedMessage) []UnifiedMessage {
	return insertSyntheticAssistants(mergeAdjacent(messages))
}

// sanitizeTools truncates over-long descriptions, appending an ellipsis
// marker. Schemas pass through untouched.
func sanitizeTools(tools []UnifiedTool, maxDescription int) []UnifiedTool {
	if maxDescription <= 0 || len(tools) == 0 {
		return tools
	}
	out := make([]UnifiedTool, len(tools))
	copy(out, tools)
	for i := range out {
		if len(out[i].Description) > maxDescription {
			out[i].Description = out[i].Description[:safeTruncate(out[i].Description, maxDescription)] + "..."
		}
	}
	return out
}

func safeTruncate(s string, n int) int {
	for n > 0 && (s[n-1]&0xc0) == 0x80 {
		n--
	}
	return n
}
