package kiro

import (
	"strings"
	"testing"
)

func TestValidateToolCallID(t *testing.T) {
	valid := []string{"call_abc", "toolu_0123", "t-1"}
	for _, id := range valid {
		if !ValidateToolCallID(id) {
			t.Errorf("ValidateToolCallID(%q) = false, want true", id)
		}
	}
	invalid := []string{"", "   ", "ns:call_1", "redacted***id"}
	for _, id := range invalid {
		if ValidateToolCallID(id) {
			t.Errorf("ValidateToolCallID(%q) = true, want false", id)
		}
	}
}

func TestSanitizeToolCallIDPassesValid(t *testing.T) {
	if got := SanitizeToolCallID("  call_ok  "); got != "call_ok" {
		t.Errorf("got %q", got)
	}
}

func TestSanitizeToolCallIDDeterministic(t *testing.T) {
	a := SanitizeToolCallID("bad:id")
	b := SanitizeToolCallID("bad:id")
	if a != b {
		t.Errorf("regeneration not deterministic: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "call_") {
		t.Errorf("regenerated id = %q", a)
	}
	if a == "bad:id" || strings.Contains(a, ":") {
		t.Errorf("invalid id survived sanitation: %q", a)
	}
}

func TestSanitizeToolCallIDEmptyGetsFresh(t *testing.T) {
	a := SanitizeToolCallID("")
	if !strings.HasPrefix(a, "call_") || len(a) <= len("call_") {
		t.Errorf("got %q", a)
	}
}
