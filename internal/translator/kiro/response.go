package kiro

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/kirobridge/kirobridge/internal/thinking"
)

// StreamOptions configures the response builders.
type StreamOptions struct {
	// Model is the client-requested model name, echoed back verbatim.
	Model string
	// MessageID is the response identifier ("msg_..." or "chatcmpl-...").
	MessageID string
	// Created is the response creation time in unix seconds.
	Created int64
	// ThinkingMode is one of the thinking.Handle* constants.
	ThinkingMode string
	// PromptTokens is the local estimate used when the upstream never
	// reports usage.
	PromptTokens int64
}

// buildSSEEvent frames one Anthropic-style SSE event.
func buildSSEEvent(event string, payload map[string]any) []byte {
	data, _ := json.Marshal(payload)
	return frameSSEEvent(event, data)
}

// buildSSEData frames one OpenAI-style data-only SSE chunk.
func buildSSEData(payload map[string]any) []byte {
	data, _ := json.Marshal(payload)
	return frameSSEData(data)
}

func frameSSEEvent(event string, data []byte) []byte {
	var b strings.Builder
	b.Grow(len(event) + len(data) + 16)
	b.WriteString("event: ")
	b.WriteString(event)
	b.WriteString("\ndata: ")
	b.Write(data)
	b.WriteString("\n\n")
	return []byte(b.String())
}

func frameSSEData(data []byte) []byte {
	var b strings.Builder
	b.Grow(len(data) + 10)
	b.WriteString("data: ")
	b.Write(data)
	b.WriteString("\n\n")
	return []byte(b.String())
}

// BuildOpenAIErrorFrame frames a terminal in-band error for an OpenAI SSE
// stream that has already sent its status line.
func BuildOpenAIErrorFrame(message, errType string) []byte {
	payload, _ := sjson.SetBytes(nil, "error.message", message)
	payload, _ = sjson.SetBytes(payload, "error.type", errType)
	return frameSSEData(payload)
}

// BuildClaudeErrorFrame frames a terminal in-band error for an Anthropic SSE
// stream.
func BuildClaudeErrorFrame(message, errType string) []byte {
	payload, _ := sjson.SetBytes(nil, "type", "error")
	payload, _ = sjson.SetBytes(payload, "error.type", errType)
	payload, _ = sjson.SetBytes(payload, "error.message", message)
	return frameSSEEvent("error", payload)
}

// toolCallState accumulates one tool call across upstream fragments.
type toolCallState struct {
	ID    string
	Name  string
	Input strings.Builder
	Index int
	Done  bool
}

// normalizeToolInput parses the reassembled argument text. Invalid JSON
// degrades to an empty object rather than failing the whole response.
func normalizeToolInput(raw string) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || !gjson.Valid(trimmed) {
		return json.RawMessage("{}")
	}
	if !gjson.Parse(trimmed).IsObject() {
		return json.RawMessage("{}")
	}
	return json.RawMessage(trimmed)
}

// thinkingRouter applies the configured handling mode to decoded content
// text, splitting it into a reasoning channel and a regular channel.
type thinkingRouter struct {
	mode   string
	parser *thinking.Parser
}

func newThinkingRouter(mode string) *thinkingRouter {
	r := &thinkingRouter{mode: mode}
	if mode != thinking.HandlePass {
		r.parser = thinking.NewParser()
	}
	return r
}

// route returns the reasoning and regular fragments released by one
// upstream text fragment.
func (r *thinkingRouter) route(text string) (reasoning, regular string) {
	if r.parser == nil {
		return "", text
	}
	return r.dispatch(r.parser.Feed(text))
}

// flush drains whatever the parser still holds at end of stream.
func (r *thinkingRouter) flush() (reasoning, regular string) {
	if r.parser == nil {
		return "", ""
	}
	return r.dispatch(r.parser.Finalize())
}

func (r *thinkingRouter) dispatch(chunk thinking.Chunk) (reasoning, regular string) {
	regular = chunk.Regular
	switch r.mode {
	case thinking.HandleRemove:
	case thinking.HandleStripTags:
		regular = chunk.Thinking + regular
	default: // as_reasoning_content
		reasoning = chunk.Thinking
	}
	return reasoning, regular
}
