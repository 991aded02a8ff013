// Package thinking extracts <thinking>-style deliberation blocks from a
// streaming assistant response. The parser is a three-state machine fed with
// arbitrary chunks; tags are recognized only at the very start of the output
// (leading whitespace tolerated) and the machine latches into plain
// streaming once that window closes.
package thinking

import (
	"strings"
	"unicode/utf8"
)

// State of the parser.
type State int

const (
	// PreContent buffers the head of the stream until a tag is found or
	// ruled out.
	PreContent State = iota
	// InThinking accumulates deliberation text until the closing tag.
	InThinking
	// Streaming passes everything through verbatim.
	Streaming
)

// Handling modes for ProcessForOutput.
const (
	HandleAsReasoning = "as_reasoning_content"
	HandleStripTags   = "strip_tags"
	HandleRemove      = "remove"
	HandlePass        = "pass"
)

var openTags = []string{"<thinking>", "<think>", "<reasoning>", "<thought>"}

// prefixWindow is how many buffered bytes may still plausibly be an opening
// tag; beyond this the head is flushed as regular content.
const prefixWindow = 20

// maxTagLength is the cautious-send tail: enough bytes to cover a closing
// tag split across two feeds.
var maxTagLength = func() int {
	max := 0
	for _, tag := range openTags {
		if len(tag) > max {
			max = len(tag)
		}
	}
	return 2 * max
}()

// Chunk is one parser emission. Thinking and Regular are both possibly
// empty; LastThinking marks the final deliberation fragment of the block.
type Chunk struct {
	Thinking     string
	Regular      string
	LastThinking bool
}

// Parser is per-request state: create one per stream, feed it fragments in
// arrival order, then call Finalize.
type Parser struct {
	state          State
	initialBuffer  string
	thinkingBuffer string
	openTag        string
	closeTag       string

	firstThinkingSent  bool
	thinkingBlockFound bool
}

// NewParser returns a parser in PreContent.
func NewParser() *Parser {
	return &Parser{state: PreContent}
}

// State exposes the current machine state.
func (p *Parser) State() State { return p.state }

// ThinkingBlockFound reports whether an opening tag was ever recognized.
func (p *Parser) ThinkingBlockFound() bool { return p.thinkingBlockFound }

// Feed consumes one stream fragment and returns the content it releases.
func (p *Parser) Feed(text string) Chunk {
	if text == "" {
		return Chunk{}
	}
	switch p.state {
	case Streaming:
		return Chunk{Regular: text}
	case InThinking:
		return p.feedThinking(text)
	default:
		return p.feedPreContent(text)
	}
}

func (p *Parser) feedPreContent(text string) Chunk {
	p.initialBuffer += text
	trimmed := strings.TrimLeft(p.initialBuffer, " \t\r\n")

	for _, tag := range openTags {
		if strings.HasPrefix(trimmed, tag) {
			p.state = InThinking
			p.openTag = tag
			p.closeTag = "</" + tag[1:]
			p.thinkingBlockFound = true
			p.thinkingBuffer = trimmed[len(tag):]
			p.initialBuffer = ""
			return p.drainThinking()
		}
	}

	// The buffer may still grow into a tag; hold it while it is short and
	// remains a prefix of some known tag.
	if len(p.initialBuffer) <= prefixWindow && couldBeTagPrefix(trimmed) {
		return Chunk{}
	}

	flushed := p.initialBuffer
	p.initialBuffer = ""
	p.state = Streaming
	return Chunk{Regular: flushed}
}

func (p *Parser) feedThinking(text string) Chunk {
	p.thinkingBuffer += text
	return p.drainThinking()
}

// drainThinking releases buffered deliberation text, either up to the
// closing tag or cautiously, keeping a tail that could hide a split tag.
func (p *Parser) drainThinking() Chunk {
	if idx := strings.Index(p.thinkingBuffer, p.closeTag); idx >= 0 {
		thinkingPart := p.thinkingBuffer[:idx]
		rest := p.thinkingBuffer[idx+len(p.closeTag):]
		rest = strings.TrimLeft(rest, " \t\r\n")
		p.thinkingBuffer = ""
		p.state = Streaming
		p.firstThinkingSent = true
		return Chunk{Thinking: thinkingPart, Regular: rest, LastThinking: true}
	}

	if len(p.thinkingBuffer) <= maxTagLength {
		return Chunk{}
	}
	cut := safeCut(p.thinkingBuffer, len(p.thinkingBuffer)-maxTagLength)
	released := p.thinkingBuffer[:cut]
	p.thinkingBuffer = p.thinkingBuffer[cut:]
	p.firstThinkingSent = true
	return Chunk{Thinking: released}
}

// Finalize flushes whatever the parser is still holding at end of stream.
func (p *Parser) Finalize() Chunk {
	switch p.state {
	case InThinking:
		remaining := p.thinkingBuffer
		p.thinkingBuffer = ""
		p.state = Streaming
		return Chunk{Thinking: remaining, LastThinking: true}
	case PreContent:
		remaining := p.initialBuffer
		p.initialBuffer = ""
		p.state = Streaming
		return Chunk{Regular: remaining}
	default:
		return Chunk{}
	}
}

// ProcessForOutput applies the configured handling mode to a thinking
// fragment. In pass mode the tags are re-added around the block.
func (p *Parser) ProcessForOutput(text, mode string, isFirst, isLast bool) string {
	switch mode {
	case HandleRemove:
		return ""
	case HandlePass:
		out := text
		if isFirst {
			tag := p.openTag
			if tag == "" {
				tag = openTags[0]
			}
			out = tag + out
		}
		if isLast {
			tag := p.closeTag
			if tag == "" {
				tag = "</" + openTags[0][1:]
			}
			out = out + tag
		}
		return out
	default: // as_reasoning_content, strip_tags
		return text
	}
}

// couldBeTagPrefix reports whether s is a (possibly empty) prefix of any
// known opening tag.
func couldBeTagPrefix(s string) bool {
	if s == "" {
		return true
	}
	for _, tag := range openTags {
		if strings.HasPrefix(tag, s) {
			return true
		}
	}
	return false
}

// safeCut moves the cut point left until it sits on a UTF-8 rune boundary.
func safeCut(s string, idx int) int {
	for idx > 0 && !utf8.RuneStart(s[idx]) {
		idx--
	}
	return idx
}
