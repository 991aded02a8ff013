package kiro

import (
	"strings"

	"github.com/kirobridge/kirobridge/internal/eventstream"
)

// ClaudeStreamBuilder converts decoded upstream events into Anthropic
// messages SSE frames. Feed events with Push, then call Finish exactly once.
type ClaudeStreamBuilder struct {
	opts   StreamOptions
	router *thinkingRouter

	messageStarted bool
	nextBlockIndex int

	thinkingIndex int
	thinkingOpen  bool
	textIndex     int
	textOpen      bool

	tool *toolCallState

	sawToolUse   bool
	inputTokens  int64
	outputTokens int64
	sawUsage     bool
}

// NewClaudeStreamBuilder returns a builder for one streaming response.
func NewClaudeStreamBuilder(opts StreamOptions) *ClaudeStreamBuilder {
	return &ClaudeStreamBuilder{
		opts:          opts,
		router:        newThinkingRouter(opts.ThinkingMode),
		thinkingIndex: -1,
		textIndex:     -1,
	}
}

// Push consumes one upstream event and returns the SSE frames it releases.
func (b *ClaudeStreamBuilder) Push(ev eventstream.Event) [][]byte {
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

// Finish flushes held text, closes open blocks, and emits the message
// trailer events.
func (b *ClaudeStreamBuilder) Finish() [][]byte {
	frames := make([][]byte, 0, 4)

	reasoning, regular := b.router.flush()
	frames = append(frames, b.emitText(reasoning, regular)...)

	frames = append(frames, b.closeOpenBlocks()...)

	b.ensureMessageStart(&frames)

	stopReason := "end_turn"
	if b.sawToolUse {
		stopReason = "tool_use"
	}
	inputTokens := b.inputTokens
	if !b.sawUsage {
		inputTokens = b.opts.PromptTokens
	}
	frames = append(frames, buildSSEEvent("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
		"usage": map[string]any{
			"input_tokens":  inputTokens,
			"output_tokens": b.outputTokens,
		},
	}))
	frames = append(frames, buildSSEEvent("message_stop", map[string]any{"type": "message_stop"}))
	return frames
}

// OutputTokens exposes the upstream-reported completion size for metrics.
func (b *ClaudeStreamBuilder) OutputTokens() int64 { return b.outputTokens }

func (b *ClaudeStreamBuilder) ensureMessageStart(frames *[][]byte) {
	if b.messageStarted {
		return
	}
	b.messageStarted = true
	*frames = append(*frames, buildSSEEvent("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            b.opts.MessageID,
			"type":          "message",
			"role":          RoleAssistant,
			"model":         b.opts.Model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]any{
				"input_tokens":  b.opts.PromptTokens,
				"output_tokens": 0,
			},
		},
	}))
}

func (b *ClaudeStreamBuilder) emitText(reasoning, regular string) [][]byte {
	frames := make([][]byte, 0, 2)

	if reasoning != "" {
		b.ensureMessageStart(&frames)
		if !b.thinkingOpen {
			b.thinkingIndex = b.nextBlockIndex
			b.nextBlockIndex++
			b.thinkingOpen = true
			frames = append(frames, buildSSEEvent("content_block_start", map[string]any{
				"type":          "content_block_start",
				"index":         b.thinkingIndex,
				"content_block": map[string]any{"type": "thinking", "thinking": ""},
			}))
		}
		frames = append(frames, buildSSEEvent("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": b.thinkingIndex,
			"delta": map[string]any{"type": "thinking_delta", "thinking": reasoning},
		}))
	}

	if regular != "" {
		b.ensureMessageStart(&frames)
		if b.thinkingOpen {
			frames = append(frames, b.closeBlock(b.thinkingIndex))
			b.thinkingOpen = false
		}
		if !b.textOpen {
			b.textIndex = b.nextBlockIndex
			b.nextBlockIndex++
			b.textOpen = true
			frames = append(frames, buildSSEEvent("content_block_start", map[string]any{
				"type":          "content_block_start",
				"index":         b.textIndex,
				"content_block": map[string]any{"type": "text", "text": ""},
			}))
		}
		frames = append(frames, buildSSEEvent("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": b.textIndex,
			"delta": map[string]any{"type": "text_delta", "text": regular},
		}))
	}

	return frames
}

func (b *ClaudeStreamBuilder) emitToolDelta(ev eventstream.Event) [][]byte {
	frames := make([][]byte, 0, 2)
	b.ensureMessageStart(&frames)

	// A tool call interleaves after text; close the open text blocks first.
	frames = append(frames, b.closeTextBlocks()...)

	if b.tool == nil || b.tool.ID != ev.ToolUseID {
		frames = append(frames, b.closeOpenTool()...)
		// Tracked by the upstream's raw ID so later fragments match; the
		// emitted block carries the sanitized form.
		b.tool = &toolCallState{
			ID:    ev.ToolUseID,
			Name:  ev.Name,
			Index: b.nextBlockIndex,
		}
		b.nextBlockIndex++
		b.sawToolUse = true
		frames = append(frames, buildSSEEvent("content_block_start", map[string]any{
			"type":  "content_block_start",
			"index": b.tool.Index,
			"content_block": map[string]any{
				"type":  "tool_use",
				"id":    SanitizeToolCallID(ev.ToolUseID),
				"name":  ev.Name,
				"input": map[string]any{},
			},
		}))
	}

	if ev.Input != "" {
		b.tool.Input.WriteString(ev.Input)
		frames = append(frames, buildSSEEvent("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": b.tool.Index,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": ev.Input},
		}))
	}

	if ev.Stop {
		frames = append(frames, b.closeBlock(b.tool.Index))
		b.tool.Done = true
		b.tool = nil
	}
	return frames
}

func (b *ClaudeStreamBuilder) closeTextBlocks() [][]byte {
	frames := make([][]byte, 0, 2)
	if b.thinkingOpen {
		frames = append(frames, b.closeBlock(b.thinkingIndex))
		b.thinkingOpen = false
	}
	if b.textOpen {
		frames = append(frames, b.closeBlock(b.textIndex))
		b.textOpen = false
	}
	return frames
}

func (b *ClaudeStreamBuilder) closeOpenTool() [][]byte {
	if b.tool == nil || b.tool.Done {
		b.tool = nil
		return nil
	}
	frame := b.closeBlock(b.tool.Index)
	b.tool = nil
	return [][]byte{frame}
}

func (b *ClaudeStreamBuilder) closeOpenBlocks() [][]byte {
	frames := b.closeTextBlocks()
	frames = append(frames, b.closeOpenTool()...)
	return frames
}

func (b *ClaudeStreamBuilder) closeBlock(index int) []byte {
	return buildSSEEvent("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": index,
	})
}

// ClaudeAggregator collects a full upstream stream into one non-streaming
// Anthropic messages response.
type ClaudeAggregator struct {
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

// NewClaudeAggregator returns an aggregator for one response.
func NewClaudeAggregator(opts StreamOptions) *ClaudeAggregator {
	return &ClaudeAggregator{
		opts:   opts,
		router: newThinkingRouter(opts.ThinkingMode),
		byID:   make(map[string]*toolCallState),
	}
}

// Add consumes one upstream event.
func (a *ClaudeAggregator) Add(ev eventstream.Event) {
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

func (a *ClaudeAggregator) append(reasoning, regular string) {
	if reasoning != "" {
		a.reasoning = append(a.reasoning, reasoning)
	}
	if regular != "" {
		a.text = append(a.text, regular)
	}
}

// OutputTokens exposes the upstream-reported completion size for metrics.
func (a *ClaudeAggregator) OutputTokens() int64 { return a.outputTokens }

// Build assembles the final response body.
func (a *ClaudeAggregator) Build() map[string]any {
	a.append(a.router.flush())

	content := make([]map[string]any, 0, 2+len(a.tools))
	if len(a.reasoning) > 0 {
		content = append(content, map[string]any{
			"type":     "thinking",
			"thinking": joined(a.reasoning),
		})
	}
	if text := SanitizeAssistantText(joined(a.text)); text != "" {
		content = append(content, map[string]any{"type": "text", "text": text})
	}
	for _, tool := range a.tools {
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    SanitizeToolCallID(tool.ID),
			"name":  tool.Name,
			"input": normalizeToolInput(tool.Input.String()),
		})
	}

	stopReason := "end_turn"
	if len(a.tools) > 0 {
		stopReason = "tool_use"
	}
	inputTokens := a.inputTokens
	if !a.sawUsage {
		inputTokens = a.opts.PromptTokens
	}

	return map[string]any{
		"id":            a.opts.MessageID,
		"type":          "message",
		"role":          RoleAssistant,
		"model":         a.opts.Model,
		"content":       content,
		"stop_reason":   stopReason,
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  inputTokens,
			"output_tokens": a.outputTokens,
		},
	}
}

func joined(parts []string) string {
	return strings.Join(parts, "")
}
