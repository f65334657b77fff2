package agent

import (
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/cellagent/cellagent/internal/store"
)

// DefaultPromptBudget is the character budget of an assembled system prompt.
const DefaultPromptBudget = 24000

// layerTrimOrder lists the cell-state layers from least to most valuable.
var layerTrimOrder = []string{
	store.LayerFactualHistory,
	store.LayerActionChain,
	store.LayerLiveState,
	store.LayerUserIntent,
}

const identity = `# Identity

You are a personal assistant that keeps context across conversations, executes tasks on its own and works continuously for the user.

## Behavior
- Persistent memory lives in the cell state. Read it before answering.
- You can create tasks, schedule follow-ups and manage workflows.
- Anything with an external side effect (GitHub issues, Slack posts) goes through a draft plus a human task. Never perform it directly.
- Be direct and efficient. Act first and present the result instead of asking whether you should.
- Match the user's language and tone.

## Tools
Call tools and process their results before answering. A tool result with an "error" field failed; decide whether to retry differently or report it.
When a statement relies on a tool result, cite it with [^N] where N counts successful tool results in the order they came back. Failed calls get no number.

## Tasks
When a request involves external actions or scheduling:
1. Break it into a chain: AI tasks first, then a human task for approval.
2. Execute the AI tasks right away using tools.
3. Create a draft and a human task for anything that needs confirmation.
4. Stop and present the draft.

## Memory
When the user shares preferences, facts about themselves or rules to follow, save them with save_memory.

## Cells
You operate within a cell, a cluster of related topics. Its state may contain:
- L2: factual history (what happened)
- L3: live state (current status)
- L5: user intent (goals and preferences)
- L6: action chain (what to do next)`

// PromptInput is everything the system prompt is assembled from.
type PromptInput struct {
	User         *store.User
	Cell         *store.Cell
	Memories     []store.UserMemory // oldest first
	Layers       []store.CellLayer
	Tasks        []store.Task
	Capabilities []string
}

// ContextBuilder assembles the system prompt for one invocation.
type ContextBuilder struct {
	budget int
}

// NewContextBuilder creates a builder enforcing budget characters. A
// non-positive budget selects DefaultPromptBudget.
func NewContextBuilder(budget int) *ContextBuilder {
	if budget <= 0 {
		budget = DefaultPromptBudget
	}
	return &ContextBuilder{budget: budget}
}

// BuildSystemPrompt renders the prompt sections in their fixed order,
// omitting empty ones. When the result exceeds the budget, cell-state layers
// are shortened and then dropped, then the oldest memories are dropped.
// Identity and active tasks are never trimmed.
func (b *ContextBuilder) BuildSystemPrompt(in PromptInput) string {
	layers := make([]store.CellLayer, 0, len(in.Layers))
	for _, l := range in.Layers {
		l.Content = strings.TrimSpace(l.Content)
		if l.Layer == store.LayerHeartbeat || l.Layer == store.LayerHeartbeatState || l.Content == "" {
			continue
		}
		layers = append(layers, l)
	}
	memories := slices.Clone(in.Memories)

	prompt := render(in, memories, layers)
	if len(prompt) <= b.budget {
		return prompt
	}

	for _, name := range trimOrder(layers) {
		i := slices.IndexFunc(layers, func(l store.CellLayer) bool { return l.Layer == name })
		over := len(prompt) - b.budget
		if keep := len(layers[i].Content) - over - len("..."); keep > 0 {
			layers[i].Content = truncate(layers[i].Content, keep) + "..."
		} else {
			layers = slices.Delete(layers, i, i+1)
		}
		prompt = render(in, memories, layers)
		if len(prompt) <= b.budget {
			return prompt
		}
	}

	for len(memories) > 0 {
		memories = memories[1:]
		prompt = render(in, memories, layers)
		if len(prompt) <= b.budget {
			return prompt
		}
	}
	return prompt
}

// trimOrder returns the names of layers in the order they give up space:
// custom layers first, then the well-known layers from least to most valuable.
func trimOrder(layers []store.CellLayer) []string {
	var known, other []string
	for _, l := range layers {
		if slices.Contains(layerTrimOrder, l.Layer) {
			continue
		}
		other = append(other, l.Layer)
	}
	for _, name := range layerTrimOrder {
		if slices.ContainsFunc(layers, func(l store.CellLayer) bool { return l.Layer == name }) {
			known = append(known, name)
		}
	}
	return append(other, known...)
}

func render(in PromptInput, memories []store.UserMemory, layers []store.CellLayer) string {
	parts := []string{identity}

	if u := in.User; u != nil {
		name := u.Name
		if name == "" {
			name = "Unknown"
		}
		parts = append(parts, fmt.Sprintf("# User Context\n\nName: %s\nEmail: %s\nTimezone: %s\nLanguage: %s",
			name, u.Email, u.Timezone, u.Language))
	}

	if len(memories) > 0 {
		var sb strings.Builder
		sb.WriteString("# User Memories\n")
		for _, m := range memories {
			fmt.Fprintf(&sb, "\n[%s] %s", m.Category, m.Content)
		}
		parts = append(parts, sb.String())
	}

	if len(layers) > 0 {
		var sb strings.Builder
		sb.WriteString("# Cell State")
		if in.Cell != nil {
			sb.WriteString(": " + in.Cell.Name)
		}
		sb.WriteString("\n")
		for _, l := range layers {
			fmt.Fprintf(&sb, "\n## %s\n%s\n", l.Layer, l.Content)
		}
		parts = append(parts, strings.TrimRight(sb.String(), "\n"))
	}

	if len(in.Tasks) > 0 {
		var sb strings.Builder
		sb.WriteString("# Active Tasks\n")
		for _, t := range in.Tasks {
			fmt.Fprintf(&sb, "\n- [%s] %s (%s)", t.Status, t.Title, t.Executor)
		}
		parts = append(parts, sb.String())
	}

	if len(in.Capabilities) > 0 {
		section := "# Connected Capabilities\n\nAvailable: " + strings.Join(in.Capabilities, ", ")
		if slices.Contains(in.Capabilities, "github") {
			section += "\nGitHub tools available: list and read issues, propose new issues as drafts."
		}
		parts = append(parts, section)
	}

	return strings.Join(parts, "\n\n")
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
