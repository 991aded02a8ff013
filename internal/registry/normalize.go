// Package registry resolves client-supplied model names to upstream Kiro
// model identifiers. It combines a static alias table, a TTL'd dynamic
// catalog, and a deterministic name normalizer.
package registry

import (
	"regexp"
	"strings"
)

// normalizeRule rewrites one recognized model-name shape. Rules are tried in
// order and the first match wins.
type normalizeRule struct {
	pattern *regexp.Regexp
	rewrite func(m []string) string
}

var normalizeRules = []normalizeRule{
	// claude-sonnet-4-5[-20250929|latest|N] -> claude-sonnet-4.5
	{
		pattern: regexp.MustCompile(`^claude-(haiku|sonnet|opus)-(\d+)-(\d{1,2})(-(\d{8}|latest|\d+))?$`),
		rewrite: func(m []string) string { return "claude-" + m[1] + "-" + m[2] + "." + m[3] },
	},
	// claude-sonnet-4[-20250514] -> claude-sonnet-4
	{
		pattern: regexp.MustCompile(`^claude-(haiku|sonnet|opus)-(\d+)(-\d{8})?$`),
		rewrite: func(m []string) string { return "claude-" + m[1] + "-" + m[2] },
	},
	// claude-3-5-sonnet[-20241022|latest|N] -> claude-3.5-sonnet
	{
		pattern: regexp.MustCompile(`^claude-(\d+)-(\d+)-(haiku|sonnet|opus)(-(\d{8}|latest|\d+))?$`),
		rewrite: func(m []string) string { return "claude-" + m[1] + "." + m[2] + "-" + m[3] },
	},
	// claude-3.5-sonnet-20241022 -> claude-3.5-sonnet (strip date suffix)
	{
		pattern: regexp.MustCompile(`^(claude-(\d+\.\d+-)?(haiku|sonnet|opus)(-\d+\.\d+)?)-\d{8}$`),
		rewrite: func(m []string) string { return m[1] },
	},
}

// Normalize maps the many spellings clients use onto a canonical family name.
// Unrecognized names pass through unchanged, case preserved.
func Normalize(model string) string {
	candidate := strings.ToLower(strings.TrimSpace(model))
	for _, rule := range normalizeRules {
		if m := rule.pattern.FindStringSubmatch(candidate); m != nil {
			return rule.rewrite(m)
		}
	}
	return strings.TrimSpace(model)
}
