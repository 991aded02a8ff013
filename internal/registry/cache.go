package registry

import (
	"sort"
	"sync"
	"time"
)

// DefaultMaxInputTokens is assumed when the catalog omits a context limit.
const DefaultMaxInputTokens = 200000

// cacheTTL bounds how long a catalog snapshot is considered fresh.
const cacheTTL = time.Hour

// Resolution sources.
const (
	SourceHidden      = "hidden"
	SourceCache       = "cache"
	SourcePassthrough = "passthrough"
)

// Model describes one catalog entry.
type Model struct {
	ModelID        string
	InternalID     string
	MaxInputTokens int
	Hidden         bool
}

// Resolution is the per-request outcome of resolving a client model name.
type Resolution struct {
	InternalID      string
	Source          string
	OriginalRequest string
	Normalized      string
	IsVerified      bool
}

// Cache is the process-wide model catalog: a static hidden-alias table seeded
// at boot plus dynamically discovered entries replaced wholesale on refresh.
// Reads far outnumber writes, so it is guarded by an RWMutex.
type Cache struct {
	mu        sync.RWMutex
	models    map[string]Model
	hidden    map[string]Model
	refreshed time.Time
}

// NewCache returns an empty cache seeded with the well-known aliases.
func NewCache() *Cache {
	c := &Cache{
		models: make(map[string]Model),
		hidden: make(map[string]Model),
	}
	for display, internal := range map[string]string{
		"claude-sonnet-4":            "CLAUDE_SONNET_4_20250514_V1_0",
		"claude-sonnet-4.5":          "CLAUDE_SONNET_4_5_20250929_V1_0",
		"claude-3.7-sonnet":          "CLAUDE_3_7_SONNET_20250219_V1_0",
		"claude-haiku-4.5":           "auto",
		"claude-sonnet-4-5":          "CLAUDE_SONNET_4_5_20250929_V1_0",
		"claude-sonnet-4-5-20250929": "CLAUDE_SONNET_4_5_20250929_V1_0",
		"claude-sonnet-4-20250514":   "CLAUDE_SONNET_4_20250514_V1_0",
	} {
		c.AddHiddenModel(display, internal)
	}
	return c
}

// AddHiddenModel inserts a static alias. Existing entries are never replaced,
// so boot-time aliases survive catalog refreshes.
func (c *Cache) AddHiddenModel(display, internal string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.hidden[display]; exists {
		return
	}
	c.hidden[display] = Model{
		ModelID:        display,
		InternalID:     internal,
		MaxInputTokens: DefaultMaxInputTokens,
		Hidden:         true,
	}
}

// Update replaces the dynamic catalog wholesale and stamps the refresh time.
func (c *Cache) Update(models []Model) {
	next := make(map[string]Model, len(models))
	for _, m := range models {
		if m.MaxInputTokens <= 0 {
			m.MaxInputTokens = DefaultMaxInputTokens
		}
		next[m.ModelID] = m
	}
	c.mu.Lock()
	c.models = next
	c.refreshed = time.Now()
	c.mu.Unlock()
}

// Stale reports whether the dynamic catalog has outlived its TTL.
func (c *Cache) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.refreshed) > cacheTTL
}

// Resolve maps a client model name to an upstream identifier. Precedence:
// hidden alias table, then dynamic cache, then passthrough (the normalized
// name is forwarded unverified and the upstream adjudicates).
func (c *Cache) Resolve(requested string) Resolution {
	normalized := Normalize(requested)

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, name := range []string{requested, normalized} {
		if m, ok := c.hidden[name]; ok {
			return Resolution{
				InternalID:      m.InternalID,
				Source:          SourceHidden,
				OriginalRequest: requested,
				Normalized:      normalized,
				IsVerified:      true,
			}
		}
	}
	for _, name := range []string{requested, normalized} {
		if m, ok := c.models[name]; ok {
			return Resolution{
				InternalID:      m.InternalID,
				Source:          SourceCache,
				OriginalRequest: requested,
				Normalized:      normalized,
				IsVerified:      true,
			}
		}
	}
	return Resolution{
		InternalID:      normalized,
		Source:          SourcePassthrough,
		OriginalRequest: requested,
		Normalized:      normalized,
		IsVerified:      false,
	}
}

// List returns the visible catalog (dynamic entries plus non-duplicate
// aliases), sorted by model id for stable /v1/models output.
func (c *Cache) List() []Model {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Model, 0, len(c.models)+len(c.hidden))
	seen := make(map[string]struct{}, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
		seen[m.ModelID] = struct{}{}
	}
	for _, m := range c.hidden {
		if _, dup := seen[m.ModelID]; dup {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}
