package skills

import (
	"context"
	"fmt"

	"github.com/cellagent/cellagent/internal/tools"
)

// WorkspaceStore is per-cell file storage.
type WorkspaceStore interface {
	Read(ctx context.Context, cellID, path string) (string, bool, error)
	Write(ctx context.Context, cellID, path, content string) error
	List(ctx context.Context, cellID string) ([]string, error)
	Delete(ctx context.Context, cellID, path string) error
}

// Workspace is the always-on bundle for the cell's scratch files.
func Workspace(ws WorkspaceStore) Skill {
	return Skill{
		Name:        "workspace",
		Version:     "1.0.0",
		Description: "Per-cell file workspace for plans, scripts and notes",
		Triggers:    []string{"file", "workspace", "save", "plan", "note"},
		Register: func(r *tools.Registry) {
			pathOnly := map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string", "description": "File path within workspace (e.g. \"task-plan.md\")"},
				},
				"required": []string{"path"},
			}

			r.RegisterFunc("workspace_read",
				"Read a file from the workspace. Use for loading saved task plans, config, scripts, or context.",
				pathOnly,
				func(ctx context.Context, ec tools.ExecContext, params map[string]any) (any, error) {
					p := tools.GetString(params, "path", "")
					content, ok, err := ws.Read(ctx, ec.CellID, p)
					if err != nil {
						return nil, err
					}
					if !ok {
						return nil, fmt.Errorf("file not found: %s", p)
					}
					return map[string]any{"path": p, "content": content}, nil
				})

			r.RegisterFunc("workspace_write",
				"Write a file to the workspace. Use for persisting task plans, scripts, config, or context for scheduled tasks.",
				map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path":    map[string]any{"type": "string", "description": "File path within workspace"},
						"content": map[string]any{"type": "string", "description": "File content"},
					},
					"required": []string{"path", "content"},
				},
				func(ctx context.Context, ec tools.ExecContext, params map[string]any) (any, error) {
					p := tools.GetString(params, "path", "")
					content := tools.GetString(params, "content", "")
					if err := ws.Write(ctx, ec.CellID, p, content); err != nil {
						return nil, err
					}
					return map[string]any{"written": true, "path": p, "bytes": len(content)}, nil
				})

			r.RegisterFunc("workspace_list", "List all files in the workspace.", nil,
				func(ctx context.Context, ec tools.ExecContext, _ map[string]any) (any, error) {
					files, err := ws.List(ctx, ec.CellID)
					if err != nil {
						return nil, err
					}
					if files == nil {
						files = []string{}
					}
					return map[string]any{"files": files}, nil
				})

			r.RegisterFunc("workspace_delete", "Delete a file from the workspace.", pathOnly,
				func(ctx context.Context, ec tools.ExecContext, params map[string]any) (any, error) {
					p := tools.GetString(params, "path", "")
					if err := ws.Delete(ctx, ec.CellID, p); err != nil {
						return nil, err
					}
					return map[string]any{"deleted": true, "path": p}, nil
				})
		},
	}
}
