package memory

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cellagent/cellagent/internal/provider"
	"github.com/cellagent/cellagent/internal/store"
)

type stubProvider struct {
	mu       sync.Mutex
	content  string
	err      error
	requests []*provider.ChatRequest
}

func (p *stubProvider) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	return &provider.ChatResponse{Content: p.content}, nil
}

func (p *stubProvider) DefaultModel() string { return "stub" }

// wordEmbedder maps text onto a tiny bag-of-words vector.
type wordEmbedder struct {
	fail bool
}

var vocabulary = []string{"deploy", "invoice", "lunch"}

func (e *wordEmbedder) Embed(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	if e.fail {
		return nil, errors.New("embedding service down")
	}
	v := make([]float32, len(vocabulary)+1)
	v[len(vocabulary)] = 0.01
	lower := strings.ToLower(req.Input)
	for i, w := range vocabulary {
		if strings.Contains(lower, w) {
			v[i] = 1
		}
	}
	return &provider.EmbeddingResponse{Vector: v}, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedConversation(t *testing.T, s *store.Store, n int) (*store.Cell, *store.Conversation) {
	t.Helper()
	ctx := context.Background()
	cell, err := s.CreateCell(ctx, "u1", "General", "")
	if err != nil {
		t.Fatalf("create cell: %v", err)
	}
	conv, err := s.CreateConversation(ctx, cell.ID, "u1")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	for i := 0; i < n; i++ {
		role := store.RoleUser
		if i%2 == 1 {
			role = store.RoleAssistant
		}
		if _, err := s.AddMessage(ctx, conv.ID, role, "message about the deploy", nil); err != nil {
			t.Fatalf("add message: %v", err)
		}
	}
	return cell, conv
}

func TestParseLayers(t *testing.T) {
	text := `Here is the state.

## L2: Factual History
- Deploy moved to Friday

## l3
- PR #12 open

## L5 User Intent

## L6: Action Chain
- (AI) ping reviewer
### details
- keep going
## L2
- duplicate section ignored
`
	got := ParseLayers(text)
	if got["L2"] != "- Deploy moved to Friday" {
		t.Errorf("L2 = %q", got["L2"])
	}
	if got["L3"] != "- PR #12 open" {
		t.Errorf("L3 = %q", got["L3"])
	}
	if _, ok := got["L5"]; ok {
		t.Error("empty L5 must be left out")
	}
	if got["L6"] != "- (AI) ping reviewer\n### details\n- keep going" {
		t.Errorf("L6 = %q", got["L6"])
	}
	if len(ParseLayers("no headers at all")) != 0 {
		t.Error("expected nothing from unstructured text")
	}
	if len(ParseLayers("## L20 not a layer\ntext")) != 0 {
		t.Error("L20 must not match L2")
	}
}

func TestCompressSkipsShortConversations(t *testing.T) {
	s := newTestStore(t)
	cell, conv := seedConversation(t, s, 2)
	llm := &stubProvider{content: "## L2\n- x"}
	NewCompressor(CompressorConfig{}, s, llm).Compress(context.Background(), cell.ID, conv.ID)
	if len(llm.requests) != 0 {
		t.Fatal("compression must not call the LLM below three messages")
	}
}

func TestCompressMergesAndKeepsAbsentLayers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cell, conv := seedConversation(t, s, 4)
	_ = s.UpsertLayer(ctx, cell.ID, store.LayerUserIntent, "- wants weekly reports")
	_ = s.UpsertLayer(ctx, cell.ID, store.LayerActionChain, "- (User) sign contract")

	llm := &stubProvider{content: "## L2: Factual History\n- Deploy discussed\n\n## L3: Live State\n- deploy pending\n\n## L6: Action Chain\n"}
	NewCompressor(CompressorConfig{}, s, llm).Compress(ctx, cell.ID, conv.ID)

	if len(llm.requests) != 1 {
		t.Fatalf("expected one LLM call, got %d", len(llm.requests))
	}
	req := llm.requests[0]
	if req.Temperature != 0.3 || len(req.Tools) != 0 {
		t.Errorf("unexpected request settings %+v", req)
	}
	input := req.Messages[1].Content
	if !strings.HasPrefix(input, "EXISTING STATE:\n") || !strings.Contains(input, "## L5\n- wants weekly reports") ||
		!strings.Contains(input, "NEW CONVERSATION:\n[user]: message about the deploy") {
		t.Errorf("unexpected compression input:\n%s", input)
	}

	if l2, _ := s.GetLayer(ctx, cell.ID, store.LayerFactualHistory); l2 != "- Deploy discussed" {
		t.Errorf("L2 = %q", l2)
	}
	if l5, _ := s.GetLayer(ctx, cell.ID, store.LayerUserIntent); l5 != "- wants weekly reports" {
		t.Errorf("absent L5 must be preserved, got %q", l5)
	}
	if l6, _ := s.GetLayer(ctx, cell.ID, store.LayerActionChain); l6 != "- (User) sign contract" {
		t.Errorf("empty L6 must not wipe the layer, got %q", l6)
	}
	runs, _ := s.SearchAgentRuns(ctx, store.AgentRunFilter{CellID: cell.ID, Action: store.ActionMemoryCompressed})
	if len(runs) != 1 || runs[0].UserID != "u1" {
		t.Errorf("expected one memory_compressed run, got %+v", runs)
	}
}

func TestCompressSwallowsLLMErrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cell, conv := seedConversation(t, s, 5)
	_ = s.UpsertLayer(ctx, cell.ID, store.LayerFactualHistory, "- keep me")

	NewCompressor(CompressorConfig{}, s, &stubProvider{err: errors.New("boom")}).Compress(ctx, cell.ID, conv.ID)

	if l2, _ := s.GetLayer(ctx, cell.ID, store.LayerFactualHistory); l2 != "- keep me" {
		t.Errorf("failed compression changed state: %q", l2)
	}
}

func TestIndexerEmbedsInBackgroundAndSearches(t *testing.T) {
	s := newTestStore(t)
	_, conv := seedConversation(t, s, 0)
	ctx := context.Background()
	idx := NewIndexer(&wordEmbedder{}, s, IndexerConfig{})

	texts := []string{"the deploy failed twice", "invoice for March is due", "lunch at noon?", "ok"}
	for _, text := range texts {
		m, err := s.AddMessage(ctx, conv.ID, store.RoleUser, text, nil)
		if err != nil {
			t.Fatalf("add message: %v", err)
		}
		idx.Index(m.ID, conv.ID, m.Content)
	}

	runCtx, cancel := context.WithCancel(ctx)
	go idx.Run(runCtx)
	cancel()
	select {
	case <-idx.done:
	case <-time.After(5 * time.Second):
		t.Fatal("indexer did not stop")
	}
	idx.Stop()

	hits, err := idx.Search(ctx, conv.ID, "when is the invoice due", 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 || hits[0].Content != "invoice for March is due" {
		t.Fatalf("unexpected ranking %+v", hits)
	}
	all, _ := idx.Search(ctx, conv.ID, "anything", 10)
	if len(all) != 3 {
		t.Errorf("greeting should not have been indexed, got %d hits", len(all))
	}
}

func TestIndexerToleratesEmbeddingFailure(t *testing.T) {
	s := newTestStore(t)
	_, conv := seedConversation(t, s, 1)
	idx := NewIndexer(&wordEmbedder{fail: true}, s, IndexerConfig{})
	idx.Index("missing", conv.ID, "deploy notes")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	idx.Run(ctx)

	if _, err := idx.Search(context.Background(), conv.ID, "deploy", 5); err == nil {
		t.Error("expected search to report the embedding failure")
	}

	var nilIndexer *Indexer
	nilIndexer.Index("m", "c", "text")
	if _, err := nilIndexer.Search(context.Background(), "c", "q", 1); err == nil {
		t.Error("nil indexer search should fail")
	}
}

func TestShouldSkip(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{"hi", true},
		{"  OK ", true},
		{"HEARTBEAT_OK", true},
		{"", true},
		{"error: timeout", true},
		{"Here are the tasks for Monday", false},
	}
	for _, tt := range tests {
		if got := shouldSkip(tt.content); got != tt.want {
			t.Errorf("shouldSkip(%q) = %v, want %v", tt.content, got, tt.want)
		}
	}
}
