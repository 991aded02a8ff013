package thinking

import (
	"strings"
	"testing"
)

// feedAll pushes text through the parser in chunks of size n and collects
// everything it releases, including the final flush.
func feedAll(t *testing.T, text string, n int) (thinking, regular string) {
	t.Helper()
	p := NewParser()
	var th, re strings.Builder
	for i := 0; i < len(text); i += n {
		end := i + n
		if end > len(text) {
			end = len(text)
		}
		chunk := p.Feed(text[i:end])
		th.WriteString(chunk.Thinking)
		re.WriteString(chunk.Regular)
	}
	final := p.Finalize()
	th.WriteString(final.Thinking)
	re.WriteString(final.Regular)
	return th.String(), re.String()
}

func TestTagAtStreamStart(t *testing.T) {
	for _, size := range []int{1, 3, 7, 1024} {
		thinking, regular := feedAll(t, "<thinking>deep thought</thinking>The answer is 42.", size)
		if thinking != "deep thought" {
			t.Errorf("chunk size %d: thinking = %q, want %q", size, thinking, "deep thought")
		}
		if regular != "The answer is 42." {
			t.Errorf("chunk size %d: regular = %q, want %q", size, regular, "The answer is 42.")
		}
	}
}

func TestTagAfterContentIsNotRecognized(t *testing.T) {
	input := "Sure, here it is. <thinking>should not trigger</thinking> done"
	thinking, regular := feedAll(t, input, 5)
	if thinking != "" {
		t.Errorf("thinking = %q, want empty", thinking)
	}
	if regular != input {
		t.Errorf("regular = %q, want input verbatim", regular)
	}
}

func TestLeadingWhitespaceBeforeTag(t *testing.T) {
	thinking, regular := feedAll(t, "  \n\t<think>hm</think>ok", 4)
	if thinking != "hm" {
		t.Errorf("thinking = %q, want %q", thinking, "hm")
	}
	if regular != "ok" {
		t.Errorf("regular = %q, want %q", regular, "ok")
	}
}

func TestAllOpenTagVariants(t *testing.T) {
	for _, tag := range []string{"thinking", "think", "reasoning", "thought"} {
		input := "<" + tag + ">x</" + tag + ">y"
		thinking, regular := feedAll(t, input, 2)
		if thinking != "x" || regular != "y" {
			t.Errorf("tag %q: got (%q, %q), want (x, y)", tag, thinking, regular)
		}
	}
}

func TestCloseTagSplitAcrossFeeds(t *testing.T) {
	p := NewParser()
	var th, re strings.Builder
	for _, piece := range []string{"<thinking>abc", "def</thi", "nking>tail"} {
		chunk := p.Feed(piece)
		th.WriteString(chunk.Thinking)
		re.WriteString(chunk.Regular)
	}
	final := p.Finalize()
	th.WriteString(final.Thinking)
	re.WriteString(final.Regular)
	if th.String() != "abcdef" {
		t.Errorf("thinking = %q, want %q", th.String(), "abcdef")
	}
	if re.String() != "tail" {
		t.Errorf("regular = %q, want %q", re.String(), "tail")
	}
}

func TestUnterminatedThinkingFlushedAtEOF(t *testing.T) {
	thinking, regular := feedAll(t, "<reasoning>never closed", 6)
	if thinking != "never closed" {
		t.Errorf("thinking = %q, want %q", thinking, "never closed")
	}
	if regular != "" {
		t.Errorf("regular = %q, want empty", regular)
	}
}

func TestPrefixWindowOverflowFlushes(t *testing.T) {
	// Looks tag-ish at first but exceeds the hold window without matching.
	input := "<thinking-is-not-a-tag, just text that keeps going"
	thinking, regular := feedAll(t, input, 3)
	if thinking != "" {
		t.Errorf("thinking = %q, want empty", thinking)
	}
	if regular != input {
		t.Errorf("regular = %q, want input verbatim", regular)
	}
}

func TestCautiousSendPreservesUTF8(t *testing.T) {
	body := strings.Repeat("日本語テキスト", 20)
	p := NewParser()
	p.Feed("<thinking>")
	var th strings.Builder
	for i := 0; i < len(body); i += 5 {
		end := i + 5
		if end > len(body) {
			end = len(body)
		}
		chunk := p.Feed(body[i:end])
		// Every released fragment must be valid UTF-8 on its own boundary.
		if strings.ContainsRune(chunk.Thinking, '�') {
			t.Fatalf("released fragment contains replacement rune: %q", chunk.Thinking)
		}
		th.WriteString(chunk.Thinking)
	}
	th.WriteString(p.Finalize().Thinking)
	if th.String() != body {
		t.Errorf("reassembled thinking does not round-trip")
	}
}

func TestLastThinkingMarksBlockEnd(t *testing.T) {
	p := NewParser()
	chunk := p.Feed("<thinking>a</thinking>b")
	if !chunk.LastThinking {
		t.Error("expected LastThinking on the closing chunk")
	}
	if chunk.Thinking != "a" || chunk.Regular != "b" {
		t.Errorf("got (%q, %q), want (a, b)", chunk.Thinking, chunk.Regular)
	}
	if p.State() != Streaming {
		t.Errorf("state = %v, want Streaming", p.State())
	}
}

func TestProcessForOutputModes(t *testing.T) {
	p := NewParser()
	p.Feed("<think>x</think>")

	if got := p.ProcessForOutput("x", HandleRemove, true, true); got != "" {
		t.Errorf("remove: got %q, want empty", got)
	}
	if got := p.ProcessForOutput("x", HandleStripTags, true, true); got != "x" {
		t.Errorf("strip_tags: got %q, want x", got)
	}
	if got := p.ProcessForOutput("x", HandlePass, true, true); got != "<think>x</think>" {
		t.Errorf("pass: got %q", got)
	}
}
