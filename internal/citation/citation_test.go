package citation

import (
	"math/rand"
	"reflect"
	"strings"
	"sync"
	"testing"
)

func TestTrackerIndicesAreOneBasedAndMonotonic(t *testing.T) {
	tr := NewTracker()
	names := []string{"list_tasks", "search_conversation", "github_get_issue", "save_memory"}
	rand.Shuffle(len(names), func(i, j int) { names[i], names[j] = names[j], names[i] })

	for i, n := range names {
		if got := tr.Add(TypeToolResult, n, "", ""); got != i+1 {
			t.Fatalf("add #%d returned %d", i, got)
		}
	}
	for i, c := range tr.List() {
		if c.Index != i+1 || c.Name != names[i] {
			t.Errorf("entry %d out of order: %+v", i, c)
		}
	}
}

func TestTrackerTruncatesSnippets(t *testing.T) {
	tr := NewTracker()
	tr.Add(TypeWeb, "page", "https://example.com", strings.Repeat("ä", 500))
	c := tr.List()[0]
	if n := len([]rune(c.Snippet)); n != MaxSnippet {
		t.Errorf("expected %d runes, got %d", MaxSnippet, n)
	}
	tr.Add(TypeMemory, "short", "", "ok")
	if tr.List()[1].Snippet != "ok" {
		t.Error("short snippet should be kept as is")
	}
}

func TestTrackerConcurrentAdds(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Add(TypeToolResult, "t", "", "")
		}()
	}
	wg.Wait()
	for i, c := range tr.List() {
		if c.Index != i+1 {
			t.Fatalf("index gap at %d: %d", i, c.Index)
		}
	}
	if tr.Len() != 50 {
		t.Fatalf("expected 50, got %d", tr.Len())
	}
}

func TestFootnotes(t *testing.T) {
	tr := NewTracker()
	if tr.Footnotes() != "" {
		t.Fatal("empty tracker should render nothing")
	}
	tr.Add(TypeToolResult, "github_get_issue", "https://github.com/acme/api/issues/1", "")
	tr.Add(TypeCellState, "L3", "", "")
	want := "\n\nSources:\n[^1]: github_get_issue (https://github.com/acme/api/issues/1)\n[^2]: L3"
	if got := tr.Footnotes(); got != want {
		t.Errorf("footnotes:\n got %q\nwant %q", got, want)
	}
}

func TestExtractMarkers(t *testing.T) {
	tests := []struct {
		text string
		want []int
	}{
		{"no markers", nil},
		{"see [^2] and [^1] then [^2] again", []int{2, 1}},
		{"[^10][^3]", []int{10, 3}},
		{"[^x] [^] [2]", nil},
	}
	for _, tt := range tests {
		if got := ExtractMarkers(tt.text); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ExtractMarkers(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}
