// Package citation tracks the evidence sources used during one reasoning run.
package citation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// MaxSnippet bounds the stored snippet length in characters.
const MaxSnippet = 200

// Source types.
const (
	TypeToolResult   = "tool_result"
	TypeMemory       = "memory"
	TypeCellState    = "cell_state"
	TypeConversation = "conversation"
	TypeWeb          = "web"
)

// Citation is one numbered source.
type Citation struct {
	Index   int    `json:"index"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// Tracker accumulates citations for a single Conductor invocation.
type Tracker struct {
	mu    sync.Mutex
	items []Citation
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Add records a source and returns its 1-based index.
func (t *Tracker) Add(typ, name, url, snippet string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := len(t.items) + 1
	t.items = append(t.items, Citation{
		Index:   idx,
		Type:    typ,
		Name:    name,
		URL:     url,
		Snippet: truncate(snippet, MaxSnippet),
	})
	return idx
}

// List returns a copy of the citations in the order they were added.
func (t *Tracker) List() []Citation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Citation(nil), t.items...)
}

// Len returns the number of citations.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// Footnotes renders the citations as a "Sources:" block, or "" when empty.
func (t *Tracker) Footnotes() string {
	items := t.List()
	if len(items) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("\n\nSources:")
	for _, c := range items {
		fmt.Fprintf(&sb, "\n[^%d]: %s", c.Index, c.Name)
		if c.URL != "" {
			fmt.Fprintf(&sb, " (%s)", c.URL)
		}
	}
	return sb.String()
}

var markerRe = regexp.MustCompile(`\[\^(\d+)\]`)

// ExtractMarkers returns the distinct [^N] markers in text, in order of first appearance.
func ExtractMarkers(text string) []int {
	var out []int
	seen := map[int]bool{}
	for _, m := range markerRe.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
