// Package memory keeps long-lived conversation context: it compresses message
// history into cell-state layers and indexes messages for semantic search.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/cellagent/cellagent/internal/provider"
	"github.com/cellagent/cellagent/internal/store"
)

// CompressorConfig configures the compressor.
type CompressorConfig struct {
	Model       string  // empty = provider default
	Window      int     // recent messages per pass (default: 30)
	MinMessages int     // skip below this many messages (default: 3)
	MaxTokens   int     // default: 2000
	Temperature float64 // default: 0.3
}

// CompressorStore is the persistence surface the compressor needs.
type CompressorStore interface {
	GetCell(ctx context.Context, id string) (*store.Cell, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
	ListLayers(ctx context.Context, cellID string) ([]store.CellLayer, error)
	UpsertLayer(ctx context.Context, cellID, layer, content string) error
	LogAgentRun(ctx context.Context, r *store.AgentRun) error
}

// Compressor folds recent conversation messages into the L2/L3/L5/L6 layers
// of a cell using an LLM merge pass.
type Compressor struct {
	config   CompressorConfig
	store    CompressorStore
	provider provider.LLMProvider
}

// NewCompressor creates a compressor.
func NewCompressor(cfg CompressorConfig, st CompressorStore, prov provider.LLMProvider) *Compressor {
	if cfg.Window <= 0 {
		cfg.Window = 30
	}
	if cfg.MinMessages <= 0 {
		cfg.MinMessages = 3
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2000
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.3
	}
	return &Compressor{config: cfg, store: st, provider: prov}
}

// Compress runs one pass for the conversation. It never fails the caller:
// every error is logged and the existing layers stay as they were.
func (c *Compressor) Compress(ctx context.Context, cellID, conversationID string) {
	if err := c.compress(ctx, cellID, conversationID); err != nil {
		slog.Warn("Memory compression failed", "cell_id", cellID, "conversation_id", conversationID, "error", err)
	}
}

func (c *Compressor) compress(ctx context.Context, cellID, conversationID string) error {
	msgs, err := c.store.RecentMessages(ctx, conversationID, c.config.Window)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	if len(msgs) < c.config.MinMessages {
		slog.Debug("Memory compression skipped, not enough messages", "conversation_id", conversationID, "messages", len(msgs))
		return nil
	}

	existing, err := c.store.ListLayers(ctx, cellID)
	if err != nil {
		return fmt.Errorf("load layers: %w", err)
	}

	model := c.config.Model
	if model == "" {
		model = c.provider.DefaultModel()
	}
	resp, err := c.provider.Chat(ctx, &provider.ChatRequest{
		Model: model,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: compressorPrompt},
			{Role: provider.RoleUser, Content: compressionInput(existing, msgs)},
		},
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
	})
	if err != nil {
		return fmt.Errorf("compression LLM call: %w", err)
	}
	if resp == nil {
		return fmt.Errorf("compression LLM call: empty response")
	}

	layers := ParseLayers(resp.Content)
	var written []string
	for _, name := range store.CompressedLayers {
		content, ok := layers[name]
		if !ok {
			continue
		}
		if err := c.store.UpsertLayer(ctx, cellID, name, content); err != nil {
			slog.Warn("Memory layer upsert failed", "cell_id", cellID, "layer", name, "error", err)
			continue
		}
		written = append(written, name)
	}

	userID := ""
	if cell, err := c.store.GetCell(ctx, cellID); err == nil {
		userID = cell.UserID
	}
	_ = c.store.LogAgentRun(ctx, &store.AgentRun{
		UserID:  userID,
		CellID:  cellID,
		Action:  store.ActionMemoryCompressed,
		Details: map[string]any{"conversationId": conversationID, "messages": len(msgs), "layers": written},
		BatchID: uuid.NewString(),
	})

	slog.Info("Memory compressed", "cell_id", cellID, "messages", len(msgs), "layers", len(written))
	return nil
}

func compressionInput(existing []store.CellLayer, msgs []store.Message) string {
	var state []string
	for _, l := range existing {
		if l.Layer == store.LayerHeartbeat || l.Layer == store.LayerHeartbeatState {
			continue
		}
		state = append(state, fmt.Sprintf("## %s\n%s", l.Layer, l.Content))
	}
	stateText := "No existing state."
	if len(state) > 0 {
		stateText = strings.Join(state, "\n\n")
	}

	var transcript strings.Builder
	for i, m := range msgs {
		if i > 0 {
			transcript.WriteString("\n")
		}
		fmt.Fprintf(&transcript, "[%s]: %s", m.Role, m.Content)
	}

	return fmt.Sprintf("EXISTING STATE:\n%s\n\nNEW CONVERSATION:\n%s\n\nProduce updated compressed cognition layers.",
		stateText, transcript.String())
}

// ParseLayers extracts the "## L2", "## L3", "## L5" and "## L6" sections of
// a compression response. Headers match case-insensitively and may carry a
// title ("## L2: Factual History"). Empty sections are left out, and only the
// first occurrence of a layer counts.
func ParseLayers(text string) map[string]string {
	sections := make(map[string]*strings.Builder)
	var order []string
	var current *strings.Builder

	for _, line := range strings.Split(text, "\n") {
		if name, ok := layerHeader(line); ok {
			if _, seen := sections[name]; seen {
				current = nil
				continue
			}
			current = &strings.Builder{}
			sections[name] = current
			order = append(order, name)
			continue
		}
		if current != nil {
			current.WriteString(line)
			current.WriteString("\n")
		}
	}

	out := make(map[string]string, len(order))
	for _, name := range order {
		if content := strings.TrimSpace(sections[name].String()); content != "" {
			out[name] = content
		}
	}
	return out
}

func layerHeader(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "##") || strings.HasPrefix(line, "###") {
		return "", false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(line, "##"))
	for _, name := range store.CompressedLayers {
		if len(rest) < len(name) || !strings.EqualFold(rest[:len(name)], name) {
			continue
		}
		tail := rest[len(name):]
		if tail == "" || tail[0] == ':' || tail[0] == ' ' || tail[0] == '\t' {
			return name, true
		}
	}
	return "", false
}

const compressorPrompt = `You are a cognition compressor. Given a conversation history and optional existing state, produce compressed cognition layers.

OUTPUT FORMAT (markdown):

## L2: Factual History
Bullet points of key facts, decisions and dates. Append-only.

## L3: Live State
Current status of tracked items and active threads.

## L5: User Intent
Stated preferences, goals and behavioral patterns.

## L6: Action Chain
Completed actions and next steps. Tag each one:
- (AI) the agent can do it proactively
- (User) requires user action
- (Waiting) blocked on external input

Rules:
- Be concise. One key fact per bullet.
- Keep all important information but compress aggressively.
- L6 must contain clear, actionable items.
- If existing state is given, MERGE the new information into it. Do not lose old facts; only compress or append.`
