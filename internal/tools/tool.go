// Package tools provides the tool registry the reasoning loop dispatches through.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cellagent/cellagent/internal/provider"
)

// ErrUnknownTool is reported when a call names a tool that was never registered.
var ErrUnknownTool = errors.New("unknown tool")

// ExecContext identifies who a tool call runs on behalf of.
type ExecContext struct {
	UserID         string
	CellID         string
	ConversationID string
}

// Tool is the interface that all agent tools must implement.
type Tool interface {
	// Name returns the tool identifier used in function calls.
	Name() string
	// Description returns a human-readable description for the LLM.
	Description() string
	// Parameters returns the JSON Schema for tool parameters.
	Parameters() map[string]any
	// Execute runs the tool. The returned value is serialized to JSON for the model.
	Execute(ctx context.Context, ec ExecContext, params map[string]any) (any, error)
}

// Handler is the function form of Tool.Execute.
type Handler func(ctx context.Context, ec ExecContext, params map[string]any) (any, error)

// Func adapts a name, schema and handler into a Tool.
type Func struct {
	name        string
	description string
	schema      map[string]any
	handler     Handler
}

// NewFunc builds a Tool from its parts.
func NewFunc(name, description string, schema map[string]any, handler Handler) *Func {
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return &Func{name: name, description: description, schema: schema, handler: handler}
}

func (f *Func) Name() string               { return f.name }
func (f *Func) Description() string        { return f.description }
func (f *Func) Parameters() map[string]any { return f.schema }

func (f *Func) Execute(ctx context.Context, ec ExecContext, params map[string]any) (any, error) {
	return f.handler(ctx, ec, params)
}

// Result is the outcome of one tool call. Exactly one of Value and Error is meaningful.
type Result struct {
	Value any
	Error string
}

// OK reports whether the call succeeded.
func (r Result) OK() bool { return r.Error == "" }

// String renders the result as the observation text fed back to the model.
func (r Result) String() string {
	if r.Error != "" {
		b, _ := json.Marshal(map[string]string{"error": r.Error})
		return string(b)
	}
	if s, ok := r.Value.(string); ok {
		return s
	}
	b, err := json.Marshal(r.Value)
	if err != nil {
		return fmt.Sprintf("%v", r.Value)
	}
	return string(b)
}

// Registry manages tool registration and execution. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates a new tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool. Registering an existing name replaces it in place.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; !exists {
		r.order = append(r.order, tool.Name())
	}
	r.tools[tool.Name()] = tool
}

// RegisterFunc is shorthand for Register(NewFunc(...)).
func (r *Registry) RegisterFunc(name, description string, schema map[string]any, handler Handler) {
	r.Register(NewFunc(name, description, schema, handler))
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all registered tools in registration order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.tools[name])
	}
	return result
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Definitions returns the tool catalog in OpenAI function format.
func (r *Registry) Definitions() []provider.ToolDefinition {
	tools := r.List()
	result := make([]provider.ToolDefinition, 0, len(tools))
	for _, tool := range tools {
		result = append(result, provider.ToolDefinition{
			Type: "function",
			Function: provider.FunctionDef{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.Parameters(),
			},
		})
	}
	return result
}

// Execute runs a tool by name. Failures come back as Result.Error, never as a
// Go error or panic, so the reasoning loop can report them to the model.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any, ec ExecContext) (res Result) {
	tool, ok := r.Get(name)
	if !ok {
		return Result{Error: fmt.Sprintf("%v: %s", ErrUnknownTool, name)}
	}
	defer func() {
		if p := recover(); p != nil {
			res = Result{Error: fmt.Sprintf("tool %s panicked: %v", name, p)}
		}
	}()
	if params == nil {
		params = map[string]any{}
	}
	v, err := tool.Execute(ctx, ec, params)
	if err != nil {
		return Result{Error: err.Error()}
	}
	return Result{Value: v}
}

// GetString extracts a string parameter with a default value.
func GetString(params map[string]any, key string, defaultVal string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

// GetInt extracts an int parameter with a default value.
func GetInt(params map[string]any, key string, defaultVal int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return defaultVal
}

// GetMap extracts an object parameter.
func GetMap(params map[string]any, key string) map[string]any {
	if v, ok := params[key].(map[string]any); ok {
		return v
	}
	return nil
}
