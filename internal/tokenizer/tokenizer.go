// Package tokenizer estimates prompt token counts with a BPE tokenizer.
// The cl100k_base vocabulary is used as a proxy for the upstream models; a
// per-family correction factor absorbs the vocabulary mismatch. Output
// tokens are never estimated here; the upstream usage event is authoritative.
package tokenizer

import (
	"math"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
)

const (
	// messageOverhead approximates the per-message serialization cost.
	messageOverhead = 4
	// imageTokens is the flat budget charged per image block.
	imageTokens = 100
	// toolOverhead approximates the per-tool serialization cost.
	toolOverhead = 4
	// claudeToolOverhead is the flat system-prompt cost Anthropic adds when
	// any tool is attached.
	claudeToolOverhead = 346
	// claudeCorrection compensates for counting Claude text with an OpenAI
	// vocabulary.
	claudeCorrection = 1.15
)

// Counter wraps a BPE codec. Safe for concurrent use.
type Counter struct {
	codec tokenizer.Codec
}

// New returns a Counter backed by cl100k_base.
func New() (*Counter, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, err
	}
	return &Counter{codec: codec}, nil
}

// countRaw is the uncorrected BPE token count of text.
func (c *Counter) countRaw(text string) int {
	if text == "" {
		return 0
	}
	n, err := c.codec.Count(text)
	if err != nil {
		// Fall back to the ~4 bytes/token heuristic on encoding failure.
		n = len(text) / 4
		if n == 0 {
			n = 1
		}
	}
	return n
}

// CountText returns the corrected token count of one text fragment.
func (c *Counter) CountText(model, text string) int {
	return applyCorrection(model, c.countRaw(text))
}

// CountAnthropicRequest estimates input tokens for an Anthropic messages
// payload, matching the count_tokens endpoint semantics: system + messages +
// tools, a flat tool overhead for Claude models, then the family correction.
func (c *Counter) CountAnthropicRequest(payload []byte) int {
	root := gjson.ParseBytes(payload)
	model := root.Get("model").String()

	total := c.countSystem(root.Get("system"))
	root.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		total += c.countMessage(msg)
		return true
	})

	tools := root.Get("tools")
	if tools.IsArray() && len(tools.Array()) > 0 {
		tools.ForEach(func(_, tool gjson.Result) bool {
			total += c.countTool(tool)
			return true
		})
		if isClaude(model) {
			total += claudeToolOverhead
		}
	}

	return applyCorrection(model, total)
}

func (c *Counter) countSystem(system gjson.Result) int {
	if !system.Exists() {
		return 0
	}
	if system.Type == gjson.String {
		return c.countRaw(system.String())
	}
	total := 0
	system.ForEach(func(_, block gjson.Result) bool {
		total += c.countRaw(block.Get("text").String())
		return true
	})
	return total
}

func (c *Counter) countMessage(msg gjson.Result) int {
	total := messageOverhead + c.countRaw(msg.Get("role").String())

	content := msg.Get("content")
	if content.Type == gjson.String {
		return total + c.countRaw(content.String())
	}
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "image":
			total += imageTokens
		case "tool_use":
			total += c.countRaw(block.Get("name").String())
			total += c.countRaw(block.Get("input").Raw)
		case "tool_result":
			total += c.countRaw(block.Get("content").Raw)
		default:
			total += c.countRaw(block.Get("text").String())
		}
		return true
	})
	return total
}

func (c *Counter) countTool(tool gjson.Result) int {
	total := toolOverhead
	total += c.countRaw(tool.Get("name").String())
	total += c.countRaw(tool.Get("description").String())
	if schema := tool.Get("input_schema"); schema.Exists() {
		total += c.countRaw(schema.Raw)
	}
	return total
}

func applyCorrection(model string, count int) int {
	if isClaude(model) {
		return int(math.Ceil(float64(count) * claudeCorrection))
	}
	return count
}

func isClaude(model string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(model)), "claude")
}
