package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/poolreplay/internal/eventlog"
	"github.com/gateway-fm/poolreplay/internal/runner"
)

// Fixtures locates the recorded history the offline tools read.
type Fixtures struct {
	EventsPath   string
	MetadataPath string
	// EventsDB, when set, is read instead of the JSON export.
	EventsDB string
	// Pool and Recipient are named in synthesized swaps.
	Pool      common.Address
	Recipient common.Address
	Logger    *slog.Logger
}

// open returns the event source, letting tool arguments override paths.
func (f Fixtures) open(req gomcp.CallToolRequest) (eventlog.Source, func(), error) {
	limit := req.GetInt("limit", 0)
	if db := req.GetString("events_db", f.EventsDB); db != "" {
		src, err := eventlog.OpenSQLite(db, limit, f.Logger)
		if err != nil {
			return nil, nil, err
		}
		return src, func() { src.Close() }, nil
	}
	src := eventlog.FileSource{
		EventsPath:   req.GetString("events_path", f.EventsPath),
		MetadataPath: req.GetString("metadata_path", f.MetadataPath),
		Limit:        limit,
		Logger:       f.Logger,
	}
	return src, func() {}, nil
}

// RegisterTools registers all poolreplay tools on the MCP server. The
// inspect and synthesize tools work offline; the rest talk to a serve-mode
// instance through client.
func RegisterTools(s *server.MCPServer, client *Client, fixtures Fixtures) {
	s.AddTool(inspectTool(), inspectHandler(fixtures))
	s.AddTool(synthesizeTool(), synthesizeHandler(fixtures))
	s.AddTool(statusTool(), statusHandler(client))
	s.AddTool(healthTool(), healthHandler(client))
	s.AddTool(runTool(), runHandler(client))
	s.AddTool(stopTool(), stopHandler(client))
	s.AddTool(historyTool(), historyHandler(client))
	s.AddTool(runDetailTool(), runDetailHandler(client))
	s.AddTool(renameRunTool(), renameRunHandler(client))
	s.AddTool(deleteRunTool(), deleteRunHandler(client))
}

func fixtureOptions() []gomcp.ToolOption {
	return []gomcp.ToolOption{
		gomcp.WithString("events_path", gomcp.Description("Recorded events JSON (default: configured path)")),
		gomcp.WithString("metadata_path", gomcp.Description("Pool metadata JSON (default: configured path)")),
		gomcp.WithString("events_db", gomcp.Description("Indexer SQLite database, used instead of the JSON files")),
		gomcp.WithNumber("limit", gomcp.Description("Read at most this many events (default: all)")),
	}
}

func inspectTool() gomcp.Tool {
	opts := append([]gomcp.ToolOption{
		gomcp.WithDescription("Summarize a recorded pool history: event counts by kind, index and block range, initial price and the final swap reserved as the null-block reference. Read-only, needs no node."),
	}, fixtureOptions()...)
	return gomcp.NewTool("poolreplay_inspect", opts...)
}

func inspectHandler(f Fixtures) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		src, closeSrc, err := f.open(req)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Open events failed: %v", err)), nil
		}
		defer closeSrc()

		info, err := runner.Inspect(ctx, src)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Inspect failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatInspection(info)), nil
	}
}

func synthesizeTool() gomcp.Tool {
	opts := append([]gomcp.ToolOption{
		gomcp.WithDescription("Synthesize a price-neutral null block from the recorded final swap, using the recorded pre-final price. Read-only, needs no node."),
		gomcp.WithNumber("pairs",
			gomcp.Required(),
			gomcp.Description("Number of swap pairs (each pair returns the price to its start)"),
		),
	}, fixtureOptions()...)
	return gomcp.NewTool("poolreplay_synthesize", opts...)
}

func synthesizeHandler(f Fixtures) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		pairs := req.GetInt("pairs", 0)
		if pairs <= 0 {
			return gomcp.NewToolResultError("pairs must be positive"), nil
		}
		src, closeSrc, err := f.open(req)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Open events failed: %v", err)), nil
		}
		defer closeSrc()

		_, info, err := runner.SynthesizeRecorded(ctx, src, f.Pool, f.Recipient, pairs)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Synthesize failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatBatch(info)), nil
	}
}

func statusTool() gomcp.Tool {
	return gomcp.NewTool("poolreplay_status",
		gomcp.WithDescription("Get the current run status: state, stage, elapsed time, observed blocks and, when finished, the replay and benchmark summary."),
	)
}

func statusHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/status")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("poolreplay unreachable: %v\n\nIs it running in serve mode?", err)), nil
		}
		return gomcp.NewToolResultText(formatStatus(raw)), nil
	}
}

func healthTool() gomcp.Tool {
	return gomcp.NewTool("poolreplay_health",
		gomcp.WithDescription("Quick health check. Checks node RPC connectivity."),
	)
}

func healthHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/ready")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("poolreplay unhealthy: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	}
}

func runTool() gomcp.Tool {
	return gomcp.NewTool("poolreplay_run",
		gomcp.WithDescription("Start a run: replay the recorded history, then (mode run) benchmark null blocks. This is a MUTATING operation."),
		gomcp.WithString("mode",
			gomcp.Description("run (default) or replay"),
			gomcp.Enum(runner.ModeRun, runner.ModeReplay),
		),
		gomcp.WithString("name", gomcp.Description("Name stored with the run")),
		gomcp.WithNumber("event_limit", gomcp.Description("Replay at most this many events")),
		gomcp.WithNumber("null_swaps_per_block", gomcp.Description("Swap pairs per benchmark block")),
		gomcp.WithNumber("blocks_to_mine", gomcp.Description("Benchmark blocks to mine")),
		gomcp.WithBoolean("per_call", gomcp.Description("Submit every swap as its own transaction")),
		gomcp.WithBoolean("verify_price", gomcp.Description("Check the pool price after every block")),
	)
}

func runHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		payload := map[string]any{}
		if v := req.GetString("mode", ""); v != "" {
			payload["mode"] = v
		}
		if v := req.GetString("name", ""); v != "" {
			payload["name"] = v
		}
		if v := req.GetInt("event_limit", 0); v > 0 {
			payload["eventLimit"] = v
		}
		if v := req.GetInt("null_swaps_per_block", 0); v > 0 {
			payload["nullSwapsPerBlock"] = v
		}
		if v := req.GetInt("blocks_to_mine", 0); v > 0 {
			payload["blocksToMine"] = v
		}
		args := req.GetArguments()
		if _, ok := args["per_call"]; ok {
			payload["perCall"] = req.GetBool("per_call", false)
		}
		if _, ok := args["verify_price"]; ok {
			payload["verifyPrice"] = req.GetBool("verify_price", true)
		}

		raw, err := client.Post(ctx, "/v1/start", payload)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Start run failed: %v", err)), nil
		}
		var started map[string]any
		_ = json.Unmarshal(raw, &started)
		return gomcp.NewToolResultText(joinLines(
			section("Run Started"),
			kv("Run ID", getStr(started, "runId")),
			"Use poolreplay_status to follow progress.",
		)), nil
	}
}

func stopTool() gomcp.Tool {
	return gomcp.NewTool("poolreplay_stop",
		gomcp.WithDescription("Cancel the active run. This is a MUTATING operation."),
	)
}

func stopHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		if _, err := client.Post(ctx, "/v1/stop", nil); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Stop failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Run Stopped"),
			"The run was cancelled and recorded in history.",
		)), nil
	}
}

func historyTool() gomcp.Tool {
	return gomcp.NewTool("poolreplay_history",
		gomcp.WithDescription("List past runs with summary metrics (paginated, favorites first)."),
		gomcp.WithNumber("limit", gomcp.Description("Max results to return (default: 10, max: 100)")),
		gomcp.WithNumber("offset", gomcp.Description("Results offset for pagination (default: 0)")),
	)
}

func historyHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		path := fmt.Sprintf("/v1/history?limit=%d&offset=%d", req.GetInt("limit", 10), req.GetInt("offset", 0))
		raw, err := client.Get(ctx, path)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("History failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHistory(raw)), nil
	}
}

func runDetailTool() gomcp.Tool {
	return gomcp.NewTool("poolreplay_run_detail",
		gomcp.WithDescription("Get the results of a past run by ID, with the blocks observed during it."),
		gomcp.WithString("id", gomcp.Required(), gomcp.Description("Run ID")),
	)
}

func runDetailHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		raw, err := client.Get(ctx, "/v1/history/"+id)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Run detail failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRunDetail(raw)), nil
	}
}

func renameRunTool() gomcp.Tool {
	return gomcp.NewTool("poolreplay_update_run",
		gomcp.WithDescription("Rename a past run and/or mark it as favorite. This is a MUTATING operation."),
		gomcp.WithString("id", gomcp.Required(), gomcp.Description("Run ID")),
		gomcp.WithString("name", gomcp.Description("New name")),
		gomcp.WithBoolean("favorite", gomcp.Description("Favorite flag")),
	)
}

func renameRunHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		payload := map[string]any{}
		args := req.GetArguments()
		if _, ok := args["name"]; ok {
			payload["name"] = req.GetString("name", "")
		}
		if _, ok := args["favorite"]; ok {
			payload["favorite"] = req.GetBool("favorite", false)
		}
		if len(payload) == 0 {
			return gomcp.NewToolResultError("name or favorite is required"), nil
		}
		if _, err := client.Patch(ctx, "/v1/history/"+id, payload); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Update failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(section("Run Updated"), kv("ID", id))), nil
	}
}

func deleteRunTool() gomcp.Tool {
	return gomcp.NewTool("poolreplay_delete_run",
		gomcp.WithDescription("Delete a past run and its block samples. This is a MUTATING operation."),
		gomcp.WithString("id", gomcp.Required(), gomcp.Description("Run ID to delete")),
	)
}

func deleteRunHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		if _, err := client.Delete(ctx, "/v1/history/"+id); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Delete failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(section("Run Deleted"), kv("ID", id))), nil
	}
}
