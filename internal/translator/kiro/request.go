package kiro

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	chatTrigger = "MANUAL"
	origin      = "AI_EDITOR"
)

// thinkingDirective is appended to the system prompt when fake reasoning is
// enabled, steering the model into emitting a parseable deliberation block.
const thinkingDirective = "Before answering, reason step by step inside <thinking></thinking> tags, then give your final answer after the closing tag."

// BuildOptions tunes the payload builder.
type BuildOptions struct {
	// ModelID is the resolved upstream model identifier.
	ModelID string
	// ConversationID is the per-request conversation UUID.
	ConversationID string
	// ProfileArn is attached when the credential carries one.
	ProfileArn string
	// FakeReasoning appends the thinking directive to the system prompt.
	FakeReasoning bool
	// ToolDescriptionMaxLength truncates long tool descriptions.
	ToolDescriptionMaxLength int
}

// BuildKiroPayload encodes a unified request into the upstream conversation
// format: every turn but the last becomes history, the last turn is the
// current message, and tool definitions ride on the current user message.
func BuildKiroPayload(req *UnifiedRequest, opts BuildOptions) ([]byte, error) {
	if len(req.Messages) == 0 {
		return nil, validationErrorf("messages array must not be empty")
	}

	system := req.System
	if opts.FakeReasoning {
		system = strings.TrimSpace(system + "\n\n" + thinkingDirective)
	}

	messages := normalizeConversation(req.Messages)
	tools := sanitizeTools(req.Tools, opts.ToolDescriptionMaxLength)

	history := make([]map[string]any, 0, len(messages))

	// The system prompt folds into the first user turn; when the first turn
	// is not a user message, it becomes its own user turn at the head.
	startIndex := 0
	if system != "" {
		if messages[0].Role == RoleUser && len(messages) > 1 {
			history = append(history, wrapUserMessage(combineContent(system, messages[0].Text()), opts.ModelID, &messages[0], nil, ""))
			startIndex = 1
		} else if messages[0].Role != RoleUser {
			history = append(history, wrapUserMessage(system, opts.ModelID, nil, nil, ""))
		}
	}

	for i := startIndex; i < len(messages)-1; i++ {
		msg := &messages[i]
		switch msg.Role {
		case RoleAssistant:
			history = append(history, wrapAssistantMessage(msg))
		default:
			history = append(history, wrapUserMessage(msg.Text(), opts.ModelID, msg, nil, ""))
		}
	}

	current := &messages[len(messages)-1]
	var currentPayload map[string]any
	if current.Role == RoleAssistant {
		currentPayload = wrapAssistantMessage(current)
	} else {
		content := current.Text()
		if startIndex == 0 && len(messages) == 1 && system != "" {
			content = combineContent(system, content)
		}
		currentPayload = wrapUserMessage(content, opts.ModelID, current, tools, req.ToolChoice)
	}

	request := map[string]any{
		"conversationState": map[string]any{
			"chatTriggerType": chatTrigger,
			"conversationId":  opts.ConversationID,
			"currentMessage":  currentPayload,
			"history":         history,
		},
	}
	if opts.ProfileArn != "" {
		request["profileArn"] = opts.ProfileArn
	}
	return json.Marshal(request)
}

// wrapUserMessage encodes one user-side turn. Tool results and images come
// from the message blocks; tool definitions only accompany the current turn.
func wrapUserMessage(content, modelID string, msg *UnifiedMessage, tools []UnifiedTool, toolChoice string) map[string]any {
	userInput := map[string]any{
		"content": content,
		"modelId": modelID,
		"origin":  origin,
	}

	context := map[string]any{}
	if msg != nil {
		if toolResults := collectToolResults(msg); len(toolResults) > 0 {
			context["toolResults"] = toolResults
		}
		if images := collectImages(msg); len(images) > 0 {
			userInput["images"] = images
		}
	}
	if specs := buildToolSpecifications(tools); len(specs) > 0 {
		context["tools"] = specs
		if tc := buildToolChoice(toolChoice); tc != nil {
			context["toolChoice"] = tc
		}
	}
	if len(context) > 0 {
		userInput["userInputMessageContext"] = context
	}
	return map[string]any{"userInputMessage": userInput}
}

func wrapAssistantMessage(msg *UnifiedMessage) map[string]any {
	assistant := map[string]any{
		"content": msg.Text(),
	}
	toolUses := make([]map[string]any, 0)
	for _, b := range msg.Blocks {
		if b.Kind != BlockToolCall {
			continue
		}
		toolUses = append(toolUses, map[string]any{
			"name":      b.ToolName,
			"toolUseId": SanitizeToolCallID(b.ToolCallID),
			"input":     parseJSONInput(b.InputJSON),
		})
	}
	if len(toolUses) > 0 {
		assistant["toolUses"] = toolUses
	}
	return map[string]any{"assistantResponseMessage": assistant}
}

func collectToolResults(msg *UnifiedMessage) []map[string]any {
	results := make([]map[string]any, 0)
	for _, b := range msg.Blocks {
		if b.Kind != BlockToolResult {
			continue
		}
		status := "success"
		if b.ResultIsError {
			status = "error"
		}
		results = append(results, map[string]any{
			"content":   []map[string]string{{"text": b.ResultContent}},
			"status":    status,
			"toolUseId": SanitizeToolCallID(b.ToolUseID),
		})
	}
	return results
}

func collectImages(msg *UnifiedMessage) []map[string]any {
	images := make([]map[string]any, 0)
	for _, b := range msg.Blocks {
		if b.Kind != BlockImage || len(b.ImageData) == 0 {
			continue
		}
		format := b.MediaType
		if idx := strings.Index(format, "/"); idx >= 0 && idx+1 < len(format) {
			format = format[idx+1:]
		}
		images = append(images, map[string]any{
			"format": format,
			"source": map[string]any{"bytes": base64.StdEncoding.EncodeToString(b.ImageData)},
		})
	}
	return images
}

func buildToolSpecifications(tools []UnifiedTool) []map[string]any {
	if len(tools) == 0 {
		return nil
	}
	specs := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		schema := parseJSONInput(tool.SchemaJSON)
		if schema == nil {
			schema = map[string]any{}
		}
		specs = append(specs, map[string]any{
			"toolSpecification": map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"inputSchema": map[string]any{"json": schema},
			},
		})
	}
	return specs
}

// buildToolChoice maps the OpenAI tool_choice vocabulary onto the upstream's
// explicit tool-choice field. An empty or "auto" choice is omitted.
func buildToolChoice(choice string) map[string]any {
	switch choice {
	case "", "auto":
		return nil
	case "none":
		return map[string]any{"none": map[string]any{}}
	case "required":
		return map[string]any{"any": map[string]any{}}
	default:
		return map[string]any{"tool": map[string]any{"name": choice}}
	}
}

func parseJSONInput(raw string) any {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if !gjson.Valid(raw) {
		return map[string]any{"value": raw}
	}
	var obj any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return map[string]any{"value": raw}
	}
	return obj
}

func combineContent(parts ...string) string {
	acc := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			acc = append(acc, trimmed)
		}
	}
	return strings.Join(acc, "\n\n")
}
