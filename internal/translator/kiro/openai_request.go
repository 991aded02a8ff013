package kiro

import (
	"encoding/base64"
	"strings"

	"github.com/tidwall/gjson"

	log "github.com/sirupsen/logrus"
)

// ParseOpenAIRequest maps an OpenAI chat completions payload onto the
// unified representation. System messages fold into the system prompt,
// tool-role messages become tool-result blocks attached to a user turn.
func ParseOpenAIRequest(payload []byte) (*UnifiedRequest, error) {
	root := gjson.ParseBytes(payload)

	messagesNode := root.Get("messages")
	if !messagesNode.IsArray() || len(messagesNode.Array()) == 0 {
		return nil, validationErrorf("messages must be a non-empty array")
	}

	req := &UnifiedRequest{
		Stream: root.Get("stream").Bool(),
	}

	systemParts := make([]string, 0, 1)
	var parseErr error

	messagesNode.ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role").String()
		switch role {
		case RoleSystem, "developer":
			systemParts = append(systemParts, openAIContentText(msg.Get("content")))
		case RoleUser:
			blocks, err := openAIUserBlocks(msg.Get("content"))
			if err != nil {
				parseErr = err
				return false
			}
			req.Messages = append(req.Messages, UnifiedMessage{Role: RoleUser, Blocks: blocks})
		case RoleAssistant:
			req.Messages = append(req.Messages, openAIAssistantMessage(msg))
		case RoleTool:
			// Tool outputs travel on a user turn; adjacent ones are merged
			// into a single turn during normalization.
			req.Messages = append(req.Messages, UnifiedMessage{
				Role: RoleUser,
				Blocks: []ContentBlock{{
					Kind:          BlockToolResult,
					ToolUseID:     msg.Get("tool_call_id").String(),
					ResultContent: openAIContentText(msg.Get("content")),
				}},
			})
		default:
			parseErr = validationErrorf("unsupported message role %q", role)
			return false
		}
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}

	req.System = combineContent(systemParts...)
	req.Tools = parseOpenAITools(root.Get("tools"))
	req.ToolChoice = parseOpenAIToolChoice(root.Get("tool_choice"))
	return req, nil
}

// openAIContentText flattens a string-or-parts content field to plain text.
func openAIContentText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return ""
	}
	parts := make([]string, 0, 2)
	content.ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" {
			parts = append(parts, part.Get("text").String())
		}
		return true
	})
	return strings.Join(parts, "\n")
}

func openAIUserBlocks(content gjson.Result) ([]ContentBlock, error) {
	if content.Type == gjson.String {
		return []ContentBlock{{Kind: BlockText, Text: content.String()}}, nil
	}
	if !content.IsArray() {
		return []ContentBlock{{Kind: BlockText, Text: ""}}, nil
	}

	blocks := make([]ContentBlock, 0, len(content.Array()))
	var err error
	content.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "text":
			blocks = append(blocks, ContentBlock{Kind: BlockText, Text: part.Get("text").String()})
		case "image_url":
			var block ContentBlock
			block, err = parseDataURI(part.Get("image_url.url").String())
			if err != nil {
				return false
			}
			blocks = append(blocks, block)
		default:
			log.Debugf("openai request: dropping unsupported content part %q", part.Get("type").String())
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return blocks, nil
}

// parseDataURI decodes a data:<media>;base64,<payload> image URL. Remote
// URLs are rejected; the gateway never fetches client-supplied links.
func parseDataURI(url string) (ContentBlock, error) {
	const prefix = "data:"
	if !strings.HasPrefix(url, prefix) {
		return ContentBlock{}, validationErrorf("image_url must be a base64 data URI")
	}
	rest := url[len(prefix):]
	comma := strings.Index(rest, ",")
	if comma < 0 {
		return ContentBlock{}, validationErrorf("malformed image data URI")
	}
	meta := rest[:comma]
	mediaType := strings.TrimSuffix(meta, ";base64")
	if mediaType == meta {
		return ContentBlock{}, validationErrorf("image data URI must be base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(rest[comma+1:])
	if err != nil {
		return ContentBlock{}, validationErrorf("invalid base64 image data: %v", err)
	}
	return ContentBlock{Kind: BlockImage, MediaType: mediaType, ImageData: data}, nil
}

func openAIAssistantMessage(msg gjson.Result) UnifiedMessage {
	out := UnifiedMessage{Role: RoleAssistant}
	if text := openAIContentText(msg.Get("content")); text != "" {
		out.Blocks = append(out.Blocks, ContentBlock{Kind: BlockText, Text: text})
	}
	msg.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
		out.Blocks = append(out.Blocks, ContentBlock{
			Kind:       BlockToolCall,
			ToolCallID: call.Get("id").String(),
			ToolName:   call.Get("function.name").String(),
			InputJSON:  call.Get("function.arguments").String(),
		})
		return true
	})
	if len(out.Blocks) == 0 {
		out.Blocks = []ContentBlock{{Kind: BlockText, Text: ""}}
	}
	return out
}

func parseOpenAITools(tools gjson.Result) []UnifiedTool {
	if !tools.IsArray() {
		return nil
	}
	out := make([]UnifiedTool, 0, len(tools.Array()))
	tools.ForEach(func(_, tool gjson.Result) bool {
		fn := tool.Get("function")
		if !fn.Exists() {
			fn = tool
		}
		name := fn.Get("name").String()
		if name == "" {
			return true
		}
		out = append(out, UnifiedTool{
			Name:        name,
			Description: fn.Get("description").String(),
			SchemaJSON:  fn.Get("parameters").Raw,
		})
		return true
	})
	return out
}

func parseOpenAIToolChoice(choice gjson.Result) string {
	if !choice.Exists() {
		return ""
	}
	if choice.Type == gjson.String {
		return choice.String()
	}
	if name := choice.Get("function.name").String(); name != "" {
		return name
	}
	return ""
}
