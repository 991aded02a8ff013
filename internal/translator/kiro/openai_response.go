package kiro

import (
	"github.com/kirobridge/kirobridge/internal/eventstream"
)

// OpenAIStreamBuilder converts decoded upstream events into OpenAI chat
// completion chunks. The caller writes the returned frames verbatim and
// appends the [DONE] sentinel after Finish.
type OpenAIStreamBuilder struct {
	opts   StreamOptions
	router *thinkingRouter

	roleSent bool

	tool      *toolCallState
	toolCount int
	sawTool   bool

	inputTokens  int64
	outputTokens int64
	sawUsage     bool
}

// NewOpenAIStreamBuilder returns a builder for one streaming response.
func NewOpenAIStreamBuilder(opts StreamOptions) *OpenAIStreamBuilder {
	return &OpenAIStreamBuilder{
		opts:   opts,
		router: newThinkingRouter(opts.ThinkingMode),
	}
}

// Push consumes one upstream event and returns the SSE frames it releases.
func (b *OpenAIStreamBuilder) Push(ev eventstream.Event) [][]byte {
	switch ev.Kind {
	case eventstream.KindContent:
		text := SanitizeStreamChunk(ev.Text)
		if text == "" {
			return nil
		}
		reasoning, regular := b.router.route(text)
		return b.emitText(reasoning, regular)
	case eventstream.KindToolUse:
		return b.emitToolDelta(ev)
	case eventstream.KindUsage:
		b.inputTokens = ev.InputTokens
		b.outputTokens = ev.OutputTokens
		b.sawUsage = true
		return nil
	}
	return nil
}

// Finish flushes held text and emits the finish_reason chunk with usage.
func (b *OpenAIStreamBuilder) Finish() [][]byte {
	frames := make([][]byte, 0, 2)

	reasoning, regular := b.router.flush()
	frames = append(frames, b.emitText(reasoning, regular)...)

	finishReason := "stop"
	if b.sawTool {
		finishReason = "tool_calls"
	}
	inputTokens := b.inputTokens
	if !b.sawUsage {
		inputTokens = b.opts.PromptTokens
	}
	payload := b.chunk(map[string]any{})
	choices := payload["choices"].([]map[string]any)
	choices[0]["finish_reason"] = finishReason
	payload["usage"] = map[string]any{
		"prompt_tokens":     inputTokens,
		"completion_tokens": b.outputTokens,
		"total_tokens":      inputTokens + b.outputTokens,
	}
	frames = append(frames, buildSSEData(payload))
	return frames
}

// OutputTokens exposes the upstream-reported completion size for metrics.
func (b *OpenAIStreamBuilder) OutputTokens() int64 { return b.outputTokens }

// chunk builds one chat.completion.chunk envelope around delta. The first
// chunk of the stream carries the assistant role.
func (b *OpenAIStreamBuilder) chunk(delta map[string]any) map[string]any {
	if !b.roleSent {
		delta["role"] = RoleAssistant
		b.roleSent = true
	}
	return map[string]any{
		"id":      b.opts.MessageID,
		"object":  "chat.completion.chunk",
		"created": b.opts.Created,
		"model":   b.opts.Model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": nil,
		}},
	}
}

func (b *OpenAIStreamBuilder) emitText(reasoning, regular string) [][]byte {
	frames := make([][]byte, 0, 2)
	if reasoning != "" {
		frames = append(frames, buildSSEData(b.chunk(map[string]any{"reasoning_content": reasoning})))
	}
	if regular != "" {
		frames = append(frames, buildSSEData(b.chunk(map[string]any{"content": regular})))
	}
	return frames
}

func (b *OpenAIStreamBuilder) emitToolDelta(ev eventstream.Event) [][]byte {
	frames := make([][]byte, 0, 2)

	if b.tool == nil || b.tool.ID != ev.ToolUseID {
		b.tool = &toolCallState{ID: ev.ToolUseID, Name: ev.Name, Index: b.toolCount}
		b.toolCount++
		b.sawTool = true
		frames = append(frames, buildSSEData(b.chunk(map[string]any{
			"tool_calls": []map[string]any{{
				"index": b.tool.Index,
				"id":    SanitizeToolCallID(ev.ToolUseID),
				"type":  "function",
				"function": map[string]any{
					"name":      ev.Name,
					"arguments": "",
				},
			}},
		})))
	}

	if ev.Input != "" {
		frames = append(frames, buildSSEData(b.chunk(map[string]any{
			"tool_calls": []map[string]any{{
				"index":    b.tool.Index,
				"function": map[string]any{"arguments": ev.Input},
			}},
		})))
	}

	if ev.Stop {
		b.tool = nil
	}
	return frames
}

// OpenAIAggregator collects a full upstream stream into one non-streaming
// chat completion response.
type OpenAIAggregator struct {
	opts   StreamOptions
	router *thinkingRouter

	reasoning []string
	text      []string
	tools     []*toolCallState
	byID      map[string]*toolCallState

	inputTokens  int64
	outputTokens int64
	sawUsage     bool
}

// NewOpenAIAggregator returns an aggregator for one response.
func NewOpenAIAggregator(opts StreamOptions) *OpenAIAggregator {
	return &OpenAIAggregator{
		opts:   opts,
		router: newThinkingRouter(opts.ThinkingMode),
		byID:   make(map[string]*toolCallState),
	}
}

// Add consumes one upstream event.
func (a *OpenAIAggregator) Add(ev eventstream.Event) {
	switch ev.Kind {
	case eventstream.KindContent:
		reasoning, regular := a.router.route(ev.Text)
		a.append(reasoning, regular)
	case eventstream.KindToolUse:
		state, ok := a.byID[ev.ToolUseID]
		if !ok {
			state = &toolCallState{ID: ev.ToolUseID, Name: ev.Name}
			a.byID[ev.ToolUseID] = state
			a.tools = append(a.tools, state)
		}
		state.Input.WriteString(ev.Input)
		if ev.Stop {
			state.Done = true
		}
	case eventstream.KindUsage:
		a.inputTokens = ev.InputTokens
		a.outputTokens = ev.OutputTokens
		a.sawUsage = true
	}
}

func (a *OpenAIAggregator) append(reasoning, regular string) {
	if reasoning != "" {
		a.reasoning = append(a.reasoning, reasoning)
	}
	if regular != "" {
		a.text = append(a.text, regular)
	}
}

// OutputTokens exposes the upstream-reported completion size for metrics.
func (a *OpenAIAggregator) OutputTokens() int64 { return a.outputTokens }

// Build assembles the final response body.
func (a *OpenAIAggregator) Build() map[string]any {
	a.append(a.router.flush())

	message := map[string]any{
		"role":    RoleAssistant,
		"content": SanitizeAssistantText(joined(a.text)),
	}
	if len(a.reasoning) > 0 {
		message["reasoning_content"] = joined(a.reasoning)
	}

	finishReason := "stop"
	if len(a.tools) > 0 {
		finishReason = "tool_calls"
		calls := make([]map[string]any, 0, len(a.tools))
		for _, tool := range a.tools {
			calls = append(calls, map[string]any{
				"id":   SanitizeToolCallID(tool.ID),
				"type": "function",
				"function": map[string]any{
					"name":      tool.Name,
					"arguments": string(normalizeToolInput(tool.Input.String())),
				},
			})
		}
		message["tool_calls"] = calls
	}

	inputTokens := a.inputTokens
	if !a.sawUsage {
		inputTokens = a.opts.PromptTokens
	}

	return map[string]any{
		"id":      a.opts.MessageID,
		"object":  "chat.completion",
		"created": a.opts.Created,
		"model":   a.opts.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       message,
			"finish_reason": finishReason,
		}},
		"usage": map[string]any{
			"prompt_tokens":     inputTokens,
			"completion_tokens": a.outputTokens,
			"total_tokens":      inputTokens + a.outputTokens,
		},
	}
}
