package kiro

import (
	"encoding/base64"

	"github.com/tidwall/gjson"

	log "github.com/sirupsen/logrus"
)

// ParseClaudeRequest maps an Anthropic messages payload onto the unified
// representation. Fields the upstream cannot express (top_k, stop_sequences,
// metadata, temperature) are dropped with a debug log.
func ParseClaudeRequest(payload []byte) (*UnifiedRequest, error) {
	root := gjson.ParseBytes(payload)

	if mt := root.Get("max_tokens"); mt.Exists() && mt.Int() <= 0 {
		return nil, validationErrorf("max_tokens must be a positive integer")
	}

	messagesNode := root.Get("messages")
	if !messagesNode.IsArray() || len(messagesNode.Array()) == 0 {
		return nil, validationErrorf("messages must be a non-empty array")
	}

	for _, field := range []string{"top_k", "stop_sequences", "metadata"} {
		if root.Get(field).Exists() {
			log.Debugf("claude request: dropping unsupported field %q", field)
		}
	}

	req := &UnifiedRequest{
		System: claudeSystemText(root.Get("system")),
		Stream: root.Get("stream").Bool(),
	}

	var parseErr error
	messagesNode.ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role").String()
		if role != RoleUser && role != RoleAssistant {
			parseErr = validationErrorf("unsupported message role %q", role)
			return false
		}
		blocks, err := claudeBlocks(msg.Get("content"))
		if err != nil {
			parseErr = err
			return false
		}
		req.Messages = append(req.Messages, UnifiedMessage{Role: role, Blocks: blocks})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}

	req.Tools = parseClaudeTools(root.Get("tools"))
	req.ToolChoice = parseClaudeToolChoice(root.Get("tool_choice"))
	return req, nil
}

// claudeSystemText flattens the string-or-blocks system field.
func claudeSystemText(system gjson.Result) string {
	if !system.Exists() {
		return ""
	}
	if system.Type == gjson.String {
		return system.String()
	}
	parts := make([]string, 0, 2)
	system.ForEach(func(_, block gjson.Result) bool {
		if text := block.Get("text").String(); text != "" {
			parts = append(parts, text)
		}
		return true
	})
	return combineContent(parts...)
}

func claudeBlocks(content gjson.Result) ([]ContentBlock, error) {
	if content.Type == gjson.String {
		return []ContentBlock{{Kind: BlockText, Text: content.String()}}, nil
	}
	if !content.IsArray() {
		return []ContentBlock{{Kind: BlockText, Text: ""}}, nil
	}

	blocks := make([]ContentBlock, 0, len(content.Array()))
	var err error
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			blocks = append(blocks, ContentBlock{Kind: BlockText, Text: block.Get("text").String()})
		case "thinking":
			// Prior-turn deliberation is not replayed upstream.
			log.Debug("claude request: dropping thinking block from history")
		case "image":
			var img ContentBlock
			img, err = parseClaudeImage(block.Get("source"))
			if err != nil {
				return false
			}
			blocks = append(blocks, img)
		case "tool_use":
			blocks = append(blocks, ContentBlock{
				Kind:       BlockToolCall,
				ToolCallID: block.Get("id").String(),
				ToolName:   block.Get("name").String(),
				InputJSON:  block.Get("input").Raw,
			})
		case "tool_result":
			blocks = append(blocks, ContentBlock{
				Kind:          BlockToolResult,
				ToolUseID:     block.Get("tool_use_id").String(),
				ResultContent: claudeResultText(block.Get("content")),
				ResultIsError: block.Get("is_error").Bool(),
			})
		default:
			log.Debugf("claude request: dropping unsupported block type %q", block.Get("type").String())
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return blocks, nil
}

func parseClaudeImage(source gjson.Result) (ContentBlock, error) {
	if source.Get("type").String() != "base64" {
		return ContentBlock{}, validationErrorf("image source must be base64")
	}
	data, err := base64.StdEncoding.DecodeString(source.Get("data").String())
	if err != nil {
		return ContentBlock{}, validationErrorf("invalid base64 image data: %v", err)
	}
	return ContentBlock{
		Kind:      BlockImage,
		MediaType: source.Get("media_type").String(),
		ImageData: data,
	}, nil
}

// claudeResultText flattens a tool_result content field, which may be a
// string, an array of text blocks, or arbitrary JSON.
func claudeResultText(content gjson.Result) string {
	if !content.Exists() {
		return ""
	}
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		parts := make([]string, 0, 2)
		content.ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" {
				parts = append(parts, block.Get("text").String())
			}
			return true
		})
		return combineContent(parts...)
	}
	return content.Raw
}

func parseClaudeTools(tools gjson.Result) []UnifiedTool {
	if !tools.IsArray() {
		return nil
	}
	out := make([]UnifiedTool, 0, len(tools.Array()))
	tools.ForEach(func(_, tool gjson.Result) bool {
		name := tool.Get("name").String()
		if name == "" {
			return true
		}
		out = append(out, UnifiedTool{
			Name:        name,
			Description: tool.Get("description").String(),
			SchemaJSON:  tool.Get("input_schema").Raw,
		})
		return true
	})
	return out
}

// parseClaudeToolChoice maps the Anthropic vocabulary (auto/any/none/tool)
// onto the builder's vocabulary.
func parseClaudeToolChoice(choice gjson.Result) string {
	switch choice.Get("type").String() {
	case "any":
		return "required"
	case "none":
		return "none"
	case "tool":
		return choice.Get("name").String()
	default:
		return ""
	}
}
