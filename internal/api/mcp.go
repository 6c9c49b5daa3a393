package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/fieldsync/internal/connectivity"
	"github.com/kalambet/fieldsync/internal/knowledge"
	"github.com/kalambet/fieldsync/internal/queue"
	"github.com/kalambet/fieldsync/internal/replay"
	"github.com/kalambet/fieldsync/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Queue     *queue.Manager
	Sync      Syncer
	Monitor   *connectivity.Monitor
	Knowledge *knowledge.Cache
}

// NewMCPServer creates an MCP server exposing the sync and answer-cache tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"fieldsync",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("fieldsync: offline data and sync core of the farm advisory app. Queue writes while offline, replay them, and reuse cached answers."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("sync_status",
			mcp.WithDescription("Report connectivity, pending queued writes and the outcome of the last sync pass."),
		),
		mcpSyncStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("queue_mutation",
			mcp.WithDescription("Queue a write to the remote data service. It is replayed when the device is online."),
			mcp.WithString("kind", mcp.Description("insert, update or delete"), mcp.Required()),
			mcp.WithString("resource", mcp.Description("Remote table, e.g. lands"), mcp.Required()),
			mcp.WithString("record_id", mcp.Description("Target row id for update and delete; defaults to payload.id")),
			mcp.WithString("payload", mcp.Description("JSON object to send")),
			mcp.WithString("priority", mcp.Description("high, medium (default) or low")),
		),
		mcpQueueMutation(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_now",
			mcp.WithDescription("Replay queued writes now. Fails if a pass is already running."),
		),
		mcpSyncNow(deps),
	)

	s.AddTool(
		mcp.NewTool("lookup_answer",
			mcp.WithDescription("Find a cached advisory answer for a question, exact first, then near matches."),
			mcp.WithString("query", mcp.Description("The farmer's question"), mcp.Required()),
			mcp.WithString("language", mcp.Description("Language code (default en)")),
			mcp.WithNumber("limit", mcp.Description("Maximum near matches (default 5)")),
		),
		mcpLookupAnswer(deps),
	)

	s.AddTool(
		mcp.NewTool("cache_answer",
			mcp.WithDescription("Store an advisory answer so it can be served offline."),
			mcp.WithString("query", mcp.Description("The question"), mcp.Required()),
			mcp.WithString("answer", mcp.Description("The answer text"), mcp.Required()),
			mcp.WithString("language", mcp.Description("Language code (default en)")),
			mcp.WithNumber("confidence", mcp.Description("Confidence between 0 and 1")),
		),
		mcpCacheAnswer(deps),
	)

	return s
}

func mcpSyncStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := deps.Sync.Status(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read sync status: %v", err)), nil
		}
		return mcpJSON(map[string]any{
			"sync":         st,
			"connectivity": deps.Monitor.State(),
		})
	}
}

func mcpQueueMutation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		kind, err := req.RequireString("kind")
		if err != nil {
			return mcpError("kind is required"), nil
		}
		resource, err := req.RequireString("resource")
		if err != nil {
			return mcpError("resource is required"), nil
		}

		var payload json.RawMessage
		if raw := req.GetString("payload", ""); raw != "" {
			if !json.Valid([]byte(raw)) {
				return mcpError("payload must be valid JSON"), nil
			}
			payload = json.RawMessage(raw)
		}

		id, err := deps.Queue.Enqueue(ctx, queue.Operation{
			Kind:     queue.Kind(kind),
			Resource: resource,
			RecordID: req.GetString("record_id", ""),
			Payload:  payload,
			Priority: queue.Priority(req.GetString("priority", "")),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to queue: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued operation %s", id)), nil
	}
}

func mcpSyncNow(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sum, err := deps.Sync.SyncNow(ctx)
		if errors.Is(err, replay.ErrInProgress) {
			return mcpError("a sync pass is already running"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("sync failed: %v", err)), nil
		}
		return mcpJSON(sum)
	}
}

func mcpLookupAnswer(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		lang := req.GetString("language", "")

		e, err := deps.Knowledge.Lookup(ctx, query, lang)
		if err == nil {
			return mcpJSON(map[string]any{"match": "exact", "entry": e})
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("lookup failed: %v", err)), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}
		matches, err := deps.Knowledge.Search(ctx, query, lang, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(matches) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(map[string]any{"match": "near", "results": matches})
	}
}

func mcpCacheAnswer(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		answer, err := req.RequireString("answer")
		if err != nil {
			return mcpError("answer is required"), nil
		}

		e, err := deps.Knowledge.Put(ctx, knowledge.Entry{
			Query:      query,
			Answer:     answer,
			Language:   req.GetString("language", ""),
			Confidence: req.GetFloat("confidence", 0),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to cache answer: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Cached answer for %q (%s)", e.Query, e.Language)), nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
