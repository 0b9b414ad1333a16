package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/chatrelay/internal/cache"
	"github.com/kalambet/chatrelay/internal/push"
	"github.com/kalambet/chatrelay/internal/syncsched"
	"github.com/kalambet/chatrelay/internal/worker"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Worker     Dispatcher
	Outbox     OutboxService
	Caches     CacheInspector
	Namespaces cache.Namespaces
	Windows    WindowRegistry // optional; if nil, relay://state reports no windows
	Version    string
}

// NewMCPServer creates an MCP server exposing the relay's queues and caches.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"chatrelay",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("chatrelay: offline relay for Chatr. Inspect the outbox and caches, trigger sync, decode push payloads."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("outbox_pending",
			mcp.WithDescription("List messages queued while offline, oldest first."),
		),
		mcpOutboxPending(deps),
	)

	s.AddTool(
		mcp.NewTool("trigger_sync",
			mcp.WithDescription("Run a sync tag now (e.g. sync-messages, sync-contacts, daily-sync) and return its report."),
			mcp.WithString("tag", mcp.Description("Sync tag"), mcp.Required()),
		),
		mcpTriggerSync(deps),
	)

	s.AddTool(
		mcp.NewTool("decode_push",
			mcp.WithDescription("Decode a raw push payload into the notification the relay would display. Nothing is shown."),
			mcp.WithString("payload", mcp.Description("Raw push payload, usually JSON"), mcp.Required()),
		),
		mcpDecodePush(),
	)

	s.AddTool(
		mcp.NewTool("cache_namespaces",
			mcp.WithDescription("List cache namespaces with their entry counts, marking the current generation."),
		),
		mcpCacheNamespaces(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"relay://state",
			"Relay State",
			mcp.WithResourceDescription("Lifecycle state, version and connected windows"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceState(deps),
	)

	return s
}

func mcpOutboxPending(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		items, err := deps.Outbox.List(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("listing outbox failed: %v", err)), nil
		}
		views := make([]outboxItemView, len(items))
		for i, it := range items {
			views[i] = newOutboxItemView(it)
		}
		return mcpJSON(views)
	}
}

func mcpTriggerSync(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tag, err := req.RequireString("tag")
		if err != nil {
			return mcpError("tag is required"), nil
		}

		res := deps.Worker.Dispatch(ctx, worker.Event{Type: worker.EventSync, Tag: tag})
		if errors.Is(res.Err, syncsched.ErrUnknownTag) {
			return mcpError(fmt.Sprintf("unknown sync tag %q", tag)), nil
		}
		if res.Err != nil {
			return mcpError(fmt.Sprintf("sync failed: %v", res.Err)), nil
		}
		return mcpJSON(res.Sync)
	}
}

func mcpDecodePush() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		payload, err := req.RequireString("payload")
		if err != nil {
			return mcpError("payload is required"), nil
		}
		return mcpJSON(push.Decode([]byte(payload)))
	}
}

func mcpCacheNamespaces(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		infos, err := ListCaches(ctx, deps.Caches, deps.Namespaces)
		if err != nil {
			return mcpError(fmt.Sprintf("listing caches failed: %v", err)), nil
		}
		return mcpJSON(infos)
	}
}

func mcpResourceState(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		state := map[string]any{
			"state":   deps.Worker.State(),
			"version": deps.Version,
			"windows": 0,
		}
		if deps.Windows != nil {
			state["windows"] = len(deps.Windows.List())
		}

		b, err := json.Marshal(state)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal state: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
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
