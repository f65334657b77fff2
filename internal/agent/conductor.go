// Package agent turns signals into LLM reasoning, tool calls and persisted replies.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/cellagent/cellagent/internal/bus"
	"github.com/cellagent/cellagent/internal/citation"
	"github.com/cellagent/cellagent/internal/provider"
	"github.com/cellagent/cellagent/internal/store"
	"github.com/cellagent/cellagent/internal/tools"
)

// Signal kinds.
const (
	SignalChat      = "chat_message"
	SignalTimer     = "timer"
	SignalEvent     = "event"
	SignalHeartbeat = "heartbeat"
)

// SilentToken is the reply a heartbeat check gives when it finds nothing.
const SilentToken = "HEARTBEAT_OK"

const defaultProactiveContent = "Check in and take proactive action if needed."

// ErrNoResponse is returned when the provider answers a round with nothing.
var ErrNoResponse = errors.New("provider returned no response")

// Signal is one inbound trigger for the conductor.
type Signal struct {
	Kind           string
	UserID         string
	CellID         string
	ConversationID string
	Content        string
	Metadata       map[string]any
}

// Result is the outcome of one conductor invocation.
type Result struct {
	Response       string              `json:"response"`
	CellID         string              `json:"cellId"`
	ConversationID string              `json:"conversationId"`
	ToolsUsed      []string            `json:"toolsUsed"`
	Citations      []citation.Citation `json:"citations"`
}

// Store is the persistence surface the conductor reads and writes.
type Store interface {
	GetUser(ctx context.Context, userID string) (*store.User, error)
	GetCell(ctx context.Context, id string) (*store.Cell, error)
	LatestActiveCell(ctx context.Context, userID string) (*store.Cell, error)
	CreateCell(ctx context.Context, userID, name, fingerprint string) (*store.Cell, error)
	TouchCell(ctx context.Context, id string) error
	LatestConversation(ctx context.Context, cellID, userID string) (*store.Conversation, error)
	CreateConversation(ctx context.Context, cellID, userID string) (*store.Conversation, error)
	AddMessage(ctx context.Context, conversationID, role, content string, metadata map[string]any) (*store.Message, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
	CountMessages(ctx context.Context, conversationID, role string) (int, error)
	ListMemories(ctx context.Context, userID string) ([]store.UserMemory, error)
	ListLayers(ctx context.Context, cellID string) ([]store.CellLayer, error)
	ListTasks(ctx context.Context, f store.TaskFilter) ([]store.Task, error)
	ListActiveConnections(ctx context.Context, userID string) ([]string, error)
	LogAgentRun(ctx context.Context, r *store.AgentRun) error
}

// Compressor folds recent messages into the cell-state layers.
type Compressor interface {
	Compress(ctx context.Context, cellID, conversationID string)
}

// Indexer embeds a stored message off the response path.
type Indexer interface {
	Index(messageID, conversationID, text string)
}

// SkillCatalog lists the names of loaded skills.
type SkillCatalog interface {
	Names() []string
}

// Options tunes the reasoning loop. Temperature is sent as given, zero
// included.
type Options struct {
	Model         string
	MaxTokens     int
	Temperature   float64
	MaxToolRounds int
	HistoryWindow int
	PendingTasks  int
	CompressEvery int
	PromptBudget  int
}

func (o *Options) applyDefaults() {
	if o.MaxToolRounds <= 0 {
		o.MaxToolRounds = 5
	}
	if o.HistoryWindow <= 0 {
		o.HistoryWindow = 20
	}
	if o.PendingTasks <= 0 {
		o.PendingTasks = 10
	}
	if o.CompressEvery <= 0 {
		o.CompressEvery = 10
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 4096
	}
}

// Deps are the conductor's collaborators. Compressor, Indexer and Skills are optional.
type Deps struct {
	Store       Store
	Provider    provider.LLMProvider
	Registry    *tools.Registry
	Broadcaster bus.Broadcaster
	Compressor  Compressor
	Indexer     Indexer
	Skills      SkillCatalog
}

// Conductor runs the signal → context → reasoning → reply state machine.
type Conductor struct {
	deps   Deps
	opts   Options
	prompt *ContextBuilder
	wg     sync.WaitGroup
}

// NewConductor creates a conductor.
func NewConductor(deps Deps, opts Options) *Conductor {
	opts.applyDefaults()
	if deps.Registry == nil {
		deps.Registry = tools.NewRegistry()
	}
	return &Conductor{
		deps:   deps,
		opts:   opts,
		prompt: NewContextBuilder(opts.PromptBudget),
	}
}

// Wait blocks until background work started by Run has finished.
func (c *Conductor) Wait() {
	c.wg.Wait()
}

// Run processes one signal. Only cell or conversation resolution failures and
// provider failures are returned; everything else degrades and is logged.
func (c *Conductor) Run(ctx context.Context, sig Signal) (*Result, error) {
	batchID := uuid.NewString()
	slog.Info("Conductor processing signal", "kind", sig.Kind, "user_id", sig.UserID, "batch_id", batchID)

	cell, err := c.resolveCell(ctx, sig)
	if err != nil {
		c.logRun(ctx, sig.UserID, "", store.ActionError, batchID, map[string]any{"stage": "resolve_cell", "error": err.Error()})
		return nil, fmt.Errorf("resolve cell: %w", err)
	}
	convID, err := c.resolveConversation(ctx, cell.ID, sig)
	if err != nil {
		c.logRun(ctx, sig.UserID, cell.ID, store.ActionError, batchID, map[string]any{"stage": "resolve_conversation", "error": err.Error()})
		return nil, fmt.Errorf("resolve conversation: %w", err)
	}

	var pendingInbound string
	persistedInbound := false
	if sig.Kind == SignalChat && sig.Content != "" {
		msg, err := c.deps.Store.AddMessage(ctx, convID, store.RoleUser, sig.Content, sig.Metadata)
		if err != nil {
			slog.Warn("Conductor failed to store inbound message", "conversation_id", convID, "error", err)
			pendingInbound = sig.Content
		} else {
			persistedInbound = true
			c.broadcast(sig.UserID, bus.Event{Type: bus.EventMessage, Payload: msg})
			c.index(msg)
		}
	}

	messages := c.buildMessages(ctx, sig, cell, convID)
	if pendingInbound != "" {
		messages = append(messages, provider.Message{Role: provider.RoleUser, Content: pendingInbound})
	}
	switch sig.Kind {
	case SignalTimer, SignalHeartbeat:
		content := sig.Content
		if content == "" {
			content = defaultProactiveContent
		}
		messages = append(messages, provider.Message{
			Role:    provider.RoleUser,
			Content: fmt.Sprintf("[System: %s triggered] %s", sig.Kind, content),
		})
	case SignalEvent:
		messages = append(messages, provider.Message{Role: provider.RoleUser, Content: "[Event] " + sig.Content})
	}

	ec := tools.ExecContext{UserID: sig.UserID, CellID: cell.ID, ConversationID: convID}
	tracker := citation.NewTracker()
	response, toolsUsed, err := c.reason(ctx, messages, ec, tracker, batchID)
	if err != nil {
		c.logRun(ctx, sig.UserID, cell.ID, store.ActionError, batchID, map[string]any{"stage": "llm", "error": err.Error()})
		return nil, err
	}
	silent := sig.Kind == SignalHeartbeat && IsSilentReply(response)
	if silent {
		response = ""
	}

	result := &Result{
		Response:       response,
		CellID:         cell.ID,
		ConversationID: convID,
		ToolsUsed:      toolsUsed,
		Citations:      tracker.List(),
	}

	if response != "" {
		meta := map[string]any{"toolsUsed": toolsUsed, "citations": result.Citations}
		msg, err := c.deps.Store.AddMessage(ctx, convID, store.RoleAssistant, response, meta)
		if err != nil {
			slog.Warn("Conductor failed to store reply", "conversation_id", convID, "error", err)
		} else {
			c.broadcast(sig.UserID, bus.Event{Type: bus.EventMessage, Payload: msg})
			c.index(msg)
		}
	}

	c.logRun(ctx, sig.UserID, cell.ID, store.ActionChatResponse, batchID, map[string]any{
		"signal":         sig.Kind,
		"conversationId": convID,
		"toolsUsed":      toolsUsed,
		"citations":      len(result.Citations),
		"responseLength": len(response),
		"silent":         silent,
	})

	if persistedInbound {
		c.maybeCompress(ctx, cell.ID, convID)
	}
	return result, nil
}

// IsSilentReply reports whether a heartbeat reply carries nothing for the user.
func IsSilentReply(reply string) bool {
	reply = strings.TrimSpace(reply)
	return reply == "" || reply == SilentToken
}

func (c *Conductor) resolveCell(ctx context.Context, sig Signal) (*store.Cell, error) {
	var cell *store.Cell
	var err error
	if sig.CellID != "" {
		cell, err = c.deps.Store.GetCell(ctx, sig.CellID)
		if err != nil {
			return nil, err
		}
	} else {
		cell, err = c.deps.Store.LatestActiveCell(ctx, sig.UserID)
		if err != nil {
			return nil, err
		}
		if cell == nil {
			cell, err = c.deps.Store.CreateCell(ctx, sig.UserID, "General", "")
			if err != nil {
				return nil, err
			}
			slog.Info("Conductor created default cell", "cell_id", cell.ID, "user_id", sig.UserID)
		}
	}
	if err := c.deps.Store.TouchCell(ctx, cell.ID); err != nil {
		return nil, err
	}
	return cell, nil
}

func (c *Conductor) resolveConversation(ctx context.Context, cellID string, sig Signal) (string, error) {
	if sig.ConversationID != "" {
		return sig.ConversationID, nil
	}
	conv, err := c.deps.Store.LatestConversation(ctx, cellID, sig.UserID)
	if err != nil {
		return "", err
	}
	if conv == nil {
		conv, err = c.deps.Store.CreateConversation(ctx, cellID, sig.UserID)
		if err != nil {
			return "", err
		}
	}
	return conv.ID, nil
}

// buildMessages assembles the system prompt and the history window. Lookup
// failures shrink the context instead of failing the invocation.
func (c *Conductor) buildMessages(ctx context.Context, sig Signal, cell *store.Cell, convID string) []provider.Message {
	s := c.deps.Store
	in := PromptInput{Cell: cell}

	user, err := s.GetUser(ctx, sig.UserID)
	if err != nil {
		slog.Warn("Conductor failed to load user", "user_id", sig.UserID, "error", err)
	}
	in.User = user

	if in.Memories, err = s.ListMemories(ctx, sig.UserID); err != nil {
		slog.Warn("Conductor failed to load memories", "user_id", sig.UserID, "error", err)
	}
	if in.Layers, err = s.ListLayers(ctx, cell.ID); err != nil {
		slog.Warn("Conductor failed to load cell state", "cell_id", cell.ID, "error", err)
	}
	in.Tasks, err = s.ListTasks(ctx, store.TaskFilter{CellID: cell.ID, Statuses: []string{store.TaskPending}, Limit: c.opts.PendingTasks})
	if err != nil {
		slog.Warn("Conductor failed to load tasks", "cell_id", cell.ID, "error", err)
	}
	conns, err := s.ListActiveConnections(ctx, sig.UserID)
	if err != nil {
		slog.Warn("Conductor failed to load connections", "user_id", sig.UserID, "error", err)
	}
	in.Capabilities = conns
	if c.deps.Skills != nil {
		for _, name := range c.deps.Skills.Names() {
			if !slices.Contains(in.Capabilities, name) {
				in.Capabilities = append(in.Capabilities, name)
			}
		}
	}

	messages := []provider.Message{{Role: provider.RoleSystem, Content: c.prompt.BuildSystemPrompt(in)}}

	history, err := s.RecentMessages(ctx, convID, c.opts.HistoryWindow)
	if err != nil {
		slog.Warn("Conductor failed to load history", "conversation_id", convID, "error", err)
	}
	for _, m := range history {
		if m.Role != store.RoleUser && m.Role != store.RoleAssistant {
			continue
		}
		messages = append(messages, provider.Message{Role: m.Role, Content: m.Content})
	}
	return messages
}

// reason runs the bounded tool loop and returns the final text.
func (c *Conductor) reason(ctx context.Context, messages []provider.Message, ec tools.ExecContext, tracker *citation.Tracker, batchID string) (string, []string, error) {
	toolsUsed := []string{}
	defs := c.deps.Registry.Definitions()

	for round := 0; round < c.opts.MaxToolRounds; round++ {
		resp, err := c.chat(ctx, messages, defs)
		if err != nil {
			return "", toolsUsed, err
		}
		if len(resp.ToolCalls) == 0 {
			return resp.Content, toolsUsed, nil
		}

		messages = append(messages, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			slog.Info("Conductor tool call", "tool", tc.Name, "round", round+1, "cell_id", ec.CellID)
			toolsUsed = append(toolsUsed, tc.Name)

			res := c.deps.Registry.Execute(ctx, tc.Name, tc.Arguments, ec)
			observation := res.String()
			details := map[string]any{"tool": tc.Name, "round": round + 1, "success": res.OK()}
			if res.OK() {
				details["citation"] = tracker.Add(citation.TypeToolResult, tc.Name, resultURL(res.Value), observation)
			} else {
				slog.Warn("Conductor tool failed", "tool", tc.Name, "error", res.Error)
				details["error"] = res.Error
			}
			c.logRun(ctx, ec.UserID, ec.CellID, store.ActionToolExecution, batchID, details)

			messages = append(messages, provider.Message{
				Role:       provider.RoleTool,
				Content:    observation,
				ToolCallID: tc.ID,
			})
		}
	}

	slog.Info("Conductor tool rounds exhausted, forcing final answer", "rounds", c.opts.MaxToolRounds, "cell_id", ec.CellID)
	resp, err := c.chat(ctx, messages, nil)
	if err != nil {
		return "", toolsUsed, err
	}
	return resp.Content, toolsUsed, nil
}

func (c *Conductor) chat(ctx context.Context, messages []provider.Message, defs []provider.ToolDefinition) (*provider.ChatResponse, error) {
	resp, err := c.deps.Provider.Chat(ctx, &provider.ChatRequest{
		Messages:    messages,
		Tools:       defs,
		Model:       c.opts.Model,
		MaxTokens:   c.opts.MaxTokens,
		Temperature: c.opts.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("llm call: %w", err)
	}
	if resp == nil {
		return nil, ErrNoResponse
	}
	return resp, nil
}

func (c *Conductor) maybeCompress(ctx context.Context, cellID, convID string) {
	if c.deps.Compressor == nil {
		return
	}
	n, err := c.deps.Store.CountMessages(ctx, convID, store.RoleUser)
	if err != nil {
		slog.Warn("Conductor failed to count messages", "conversation_id", convID, "error", err)
		return
	}
	if n == 0 || n%c.opts.CompressEvery != 0 {
		return
	}
	c.background("compress", func(ctx context.Context) {
		c.deps.Compressor.Compress(ctx, cellID, convID)
	})
}

// background runs fn detached from the caller's context.
func (c *Conductor) background(name string, fn func(ctx context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Conductor background job panicked", "job", name, "panic", r)
			}
		}()
		fn(context.Background())
	}()
}

func (c *Conductor) index(msg *store.Message) {
	if c.deps.Indexer == nil || msg == nil {
		return
	}
	c.deps.Indexer.Index(msg.ID, msg.ConversationID, msg.Content)
}

func (c *Conductor) broadcast(userID string, ev bus.Event) {
	if c.deps.Broadcaster != nil {
		c.deps.Broadcaster.Broadcast(userID, ev)
	}
}

func (c *Conductor) logRun(ctx context.Context, userID, cellID, action, batchID string, details map[string]any) {
	err := c.deps.Store.LogAgentRun(ctx, &store.AgentRun{
		UserID:  userID,
		CellID:  cellID,
		Action:  action,
		Details: details,
		BatchID: batchID,
	})
	if err != nil {
		slog.Warn("Conductor failed to log agent run", "action", action, "error", err)
	}
}

// resultURL picks a link out of a tool result for its citation.
func resultURL(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	for _, key := range []string{"url", "html_url"} {
		if s, ok := m[key].(string); ok {
			return s
		}
	}
	return ""
}
