package engine

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/statesync/kit"
)

// ToolWrapper returns the middleware applied to the named tool, or nil.
type ToolWrapper func(tool string) kit.Middleware

// RegisterMCP registers the engine's control surface as MCP tools. source
// supplies the working snapshot for tools that need one. wrap may be nil.
func (e *Engine) RegisterMCP(srv *mcp.Server, source Source, wrap ToolWrapper) {
	reg := func(tool *mcp.Tool, endpoint kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
		if wrap != nil {
			if mw := wrap(tool.Name); mw != nil {
				endpoint = mw(endpoint)
			}
		}
		kit.RegisterMCPTool(srv, tool, endpoint, decode)
	}
	none := kit.DecodeArgs[struct{}]()
	empty := kit.InputSchema(map[string]any{}, nil)

	reg(&mcp.Tool{
		Name:        "statesync_status",
		Description: "Report connectivity, last successful sync, pending change count, unresolved conflicts and whether auto-sync runs.",
		InputSchema: empty,
	}, func(ctx context.Context, _ any) (any, error) {
		return e.Status(), nil
	}, none)

	reg(&mcp.Tool{
		Name:        "statesync_sync",
		Description: "Run one reconciliation cycle now. Fails with 'sync in progress' if a cycle is already running.",
		InputSchema: empty,
	}, func(ctx context.Context, _ any) (any, error) {
		current, err := source(ctx)
		if err != nil {
			return nil, err
		}
		res := e.PerformSync(ctx, current, nil)
		if !res.Success {
			return nil, errors.New(res.Message)
		}
		return res, nil
	}, none)

	reg(&mcp.Tool{
		Name:        "statesync_backups",
		Description: "List available backups, newest first.",
		InputSchema: empty,
	}, func(ctx context.Context, _ any) (any, error) {
		return e.AvailableBackups(ctx)
	}, none)

	reg(&mcp.Tool{
		Name:        "statesync_create_backup",
		Description: "Back up the current working snapshot.",
		InputSchema: empty,
	}, func(ctx context.Context, _ any) (any, error) {
		current, err := source(ctx)
		if err != nil {
			return nil, err
		}
		id, err := e.CreateBackup(ctx, current)
		if err != nil {
			return nil, err
		}
		return map[string]string{"id": id}, nil
	}, none)

	type restoreRequest struct {
		ID string `json:"id"`
	}
	reg(&mcp.Tool{
		Name:        "statesync_restore_backup",
		Description: "Replace the durable snapshot with a backup. Clears pending changes and queued conflicts.",
		InputSchema: kit.InputSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Backup id (bak_...)"},
		}, []string{"id"}),
	}, func(ctx context.Context, req any) (any, error) {
		r := req.(*restoreRequest)
		if r.ID == "" {
			return nil, errors.New("id is required")
		}
		restored, err := e.RestoreFromBackup(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": r.ID, "entities": restored.Count()}, nil
	}, kit.DecodeArgs[restoreRequest]())

	reg(&mcp.Tool{
		Name:        "statesync_cleanup_backups",
		Description: "Delete backups beyond the retention bound.",
		InputSchema: empty,
	}, func(ctx context.Context, _ any) (any, error) {
		n, err := e.CleanupOldBackups(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]int{"deleted": n}, nil
	}, none)

	reg(&mcp.Tool{
		Name:        "statesync_conflicts",
		Description: "List conflicts awaiting a manual decision.",
		InputSchema: empty,
	}, func(ctx context.Context, _ any) (any, error) {
		return e.PendingConflicts(), nil
	}, none)

	type resolveRequest struct {
		Resolutions []ResolutionRequest `json:"resolutions"`
	}
	reg(&mcp.Tool{
		Name:        "statesync_resolve_conflicts",
		Description: "Apply manual resolutions to queued conflicts and save the result.",
		InputSchema: kit.InputSchema(map[string]any{
			"resolutions": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"conflictId":   map[string]any{"type": "string"},
						"chosenSource": map[string]any{"type": "string", "enum": []any{"current", "persisted", "merged", "custom"}},
						"customData":   map[string]any{"type": "object"},
					},
					"required": []string{"conflictId", "chosenSource"},
				},
			},
		}, []string{"resolutions"}),
	}, func(ctx context.Context, req any) (any, error) {
		r := req.(*resolveRequest)
		resolutions, err := e.DecodeResolutions(r.Resolutions)
		if err != nil {
			return nil, err
		}
		current, err := source(ctx)
		if err != nil {
			return nil, err
		}
		_, report, err := e.ResolvePendingConflicts(ctx, resolutions, current)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"applied":   len(report.Applied),
			"unmatched": report.Unmatched,
			"remaining": len(e.PendingConflicts()),
		}, nil
	}, kit.DecodeArgs[resolveRequest]())
}
