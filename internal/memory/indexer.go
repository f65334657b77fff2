package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cellagent/cellagent/internal/provider"
	"github.com/cellagent/cellagent/internal/store"
)

const embedTimeout = 30 * time.Second

// IndexItem is one stored message waiting for its embedding.
type IndexItem struct {
	MessageID      string
	ConversationID string
	Content        string
}

// IndexerConfig holds configuration for the Indexer.
type IndexerConfig struct {
	Model     string // embedding model (empty = provider default)
	QueueSize int    // channel buffer size (default: 100)
}

// EmbeddingStore persists and ranks message vectors.
type EmbeddingStore interface {
	SaveEmbedding(ctx context.Context, messageID, conversationID string, vector []float32) error
	SimilarMessages(ctx context.Context, conversationID string, vector []float32, limit int) ([]store.ScoredMessage, error)
}

// Indexer embeds messages in a background goroutine and answers similarity
// queries over them. Index never blocks the caller.
type Indexer struct {
	embedder provider.Embedder
	store    EmbeddingStore
	config   IndexerConfig
	queue    chan IndexItem
	stopOnce sync.Once
	done     chan struct{}
}

// NewIndexer creates an Indexer. If embedder is nil, Index is a no-op and
// Search fails.
func NewIndexer(embedder provider.Embedder, st EmbeddingStore, cfg IndexerConfig) *Indexer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	return &Indexer{
		embedder: embedder,
		store:    st,
		config:   cfg,
		queue:    make(chan IndexItem, cfg.QueueSize),
		done:     make(chan struct{}),
	}
}

// Index queues a message for embedding. Items are dropped when the queue is
// full; a missing embedding only weakens search.
func (x *Indexer) Index(messageID, conversationID, text string) {
	if x == nil || x.embedder == nil {
		return
	}
	if shouldSkip(text) {
		return
	}
	select {
	case x.queue <- IndexItem{MessageID: messageID, ConversationID: conversationID, Content: text}:
	default:
		slog.Debug("Indexer queue full, dropping message", "message_id", messageID)
	}
}

// Run embeds queued messages until ctx is cancelled, then drains what is
// already queued.
func (x *Indexer) Run(ctx context.Context) {
	defer x.stopOnce.Do(func() { close(x.done) })
	for {
		select {
		case <-ctx.Done():
			x.drain()
			return
		case item := <-x.queue:
			x.embed(ctx, item)
		}
	}
}

// Stop waits for Run to return (after ctx cancel).
func (x *Indexer) Stop() {
	if x == nil {
		return
	}
	<-x.done
}

func (x *Indexer) drain() {
	for {
		select {
		case item := <-x.queue:
			x.embed(context.Background(), item)
		default:
			return
		}
	}
}

// embed outlives the Run context so that queued items survive shutdown.
func (x *Indexer) embed(ctx context.Context, item IndexItem) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), embedTimeout)
	defer cancel()
	resp, err := x.embedder.Embed(ctx, &provider.EmbeddingRequest{Input: item.Content, Model: x.config.Model})
	if err != nil {
		slog.Warn("Indexer embedding failed", "message_id", item.MessageID, "error", err)
		return
	}
	if err := x.store.SaveEmbedding(ctx, item.MessageID, item.ConversationID, resp.Vector); err != nil {
		slog.Warn("Indexer store failed", "message_id", item.MessageID, "error", err)
		return
	}
	slog.Debug("Indexer embedded message", "message_id", item.MessageID, "dims", len(resp.Vector))
}

// Search ranks the conversation's indexed messages against query.
func (x *Indexer) Search(ctx context.Context, conversationID, query string, limit int) ([]store.ScoredMessage, error) {
	if x == nil || x.embedder == nil {
		return nil, fmt.Errorf("semantic search is not configured")
	}
	if limit <= 0 {
		limit = 5
	}
	resp, err := x.embedder.Embed(ctx, &provider.EmbeddingRequest{Input: query, Model: x.config.Model})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return x.store.SimilarMessages(ctx, conversationID, resp.Vector, limit)
}

// shouldSkip returns true for content that is not worth indexing.
func shouldSkip(content string) bool {
	lower := strings.ToLower(strings.TrimSpace(content))
	if lower == "" {
		return true
	}

	greetings := []string{"hi", "hello", "hey", "ok", "yes", "no", "thanks", "thank you", "heartbeat_ok"}
	for _, g := range greetings {
		if lower == g {
			return true
		}
	}

	return strings.HasPrefix(lower, "error:") && len(lower) < 200
}
