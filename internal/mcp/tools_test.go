package mcp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/poolreplay/internal/eventlog"
)

func fixtures() Fixtures {
	return Fixtures{
		EventsPath:   filepath.Join("..", "eventlog", "testdata", "logs.json"),
		MetadataPath: filepath.Join("..", "eventlog", "testdata", "poolData.json"),
		Pool:         common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Recipient:    common.HexToAddress("0x00000000000000000000000000000000000000bb"),
	}
}

func call(t *testing.T, h server.ToolHandlerFunc, args map[string]any) (string, bool) {
	t.Helper()
	req := gomcp.CallToolRequest{}
	req.Params.Arguments = args
	res, err := h(context.Background(), req)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	text, ok := res.Content[0].(gomcp.TextContent)
	if !ok {
		t.Fatalf("content = %T, want TextContent", res.Content[0])
	}
	return text.Text, res.IsError
}

func TestInspectTool(t *testing.T) {
	out, isErr := call(t, inspectHandler(fixtures()), nil)
	if isErr {
		t.Fatalf("inspect returned error: %s", out)
	}
	for _, want := range []string{
		"Events:              3",
		"Burn=1 Mint=1",
		"1350174849792634181862360983626536",
		"token1 -> token0",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("inspect output missing %q:\n%s", want, out)
		}
	}

	out, isErr = call(t, inspectHandler(fixtures()), map[string]any{"events_path": "missing.json"})
	if !isErr {
		t.Errorf("inspect with missing file = %q, want error", out)
	}
}

func TestInspectToolFromSQLite(t *testing.T) {
	ctx := context.Background()
	f := fixtures()
	seq, meta, err := eventlog.LoadSequence(ctx, eventlog.FileSource{EventsPath: f.EventsPath, MetadataPath: f.MetadataPath})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "events.db")
	db, err := eventlog.OpenSQLite(path, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Import(ctx, append(seq.Replayable(), seq.Final()), meta); err != nil {
		t.Fatal(err)
	}
	db.Close()

	out, isErr := call(t, inspectHandler(Fixtures{EventsDB: path}), nil)
	if isErr {
		t.Fatalf("inspect returned error: %s", out)
	}
	if !strings.Contains(out, "Events:              3") {
		t.Errorf("inspect output = %s", out)
	}
}

func TestSynthesizeTool(t *testing.T) {
	out, isErr := call(t, synthesizeHandler(fixtures()), map[string]any{"pairs": float64(3)})
	if isErr {
		t.Fatalf("synthesize returned error: %s", out)
	}
	for _, want := range []string{
		"Calls:               6",
		"oneForZero",
		"Back Limit:          1350174849792634181862360983626536",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("synthesize output missing %q:\n%s", want, out)
		}
	}

	if out, isErr := call(t, synthesizeHandler(fixtures()), nil); !isErr {
		t.Errorf("synthesize without pairs = %q, want error", out)
	}
}

type fakeAPI struct {
	mu       sync.Mutex
	requests []string
	bodies   []string
}

func (f *fakeAPI) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.requests = append(f.requests, r.Method+" "+r.URL.RequestURI())
		f.bodies = append(f.bodies, string(body))
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/v1/status":
			json.NewEncoder(w).Encode(map[string]any{
				"state": "completed", "runId": "r1", "elapsedSeconds": 2.5,
				"summary": map[string]any{
					"events": 101,
					"replay": map[string]any{"verified": 100, "recovered": 0},
					"benchmark": map[string]any{
						"totalTransactions": 20000, "blocks": 10, "averageThroughput": 5000.0,
					},
				},
			})
		case r.URL.Path == "/ready":
			json.NewEncoder(w).Encode(map[string]any{
				"ready":  true,
				"checks": []map[string]any{{"name": "node-rpc", "status": "ok", "latency_ms": 3}},
			})
		case r.URL.Path == "/v1/start":
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]any{"status": "started", "runId": "r2"})
		case r.URL.Path == "/v1/stop":
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]any{"error": "no run in progress"})
		case r.URL.Path == "/v1/history":
			json.NewEncoder(w).Encode(map[string]any{
				"total": 1,
				"runs": []map[string]any{{
					"id": "r1", "name": "baseline", "favorite": true, "mode": "run",
					"status": "completed", "verified": 100, "totalTransactions": 20000,
				}},
			})
		case strings.HasPrefix(r.URL.Path, "/v1/history/"):
			if r.Method == http.MethodGet {
				json.NewEncoder(w).Encode(map[string]any{
					"run":    map[string]any{"id": "r1", "status": "completed", "verified": 100},
					"blocks": []map[string]any{{"number": 7, "gasUsed": 21000, "gasLimit": 30000000}},
				})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
		default:
			http.NotFound(w, r)
		}
	})
}

func (f *fakeAPI) last() (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return "", ""
	}
	return f.requests[len(f.requests)-1], f.bodies[len(f.bodies)-1]
}

func newFakeAPI(t *testing.T) (*fakeAPI, *Client) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	return api, NewClient(srv.URL)
}

func TestRemoteTools(t *testing.T) {
	api, client := newFakeAPI(t)

	tests := []struct {
		name        string
		handler     server.ToolHandlerFunc
		args        map[string]any
		wantRequest string
		wantText    string
		wantErr     bool
	}{
		{"status", statusHandler(client), nil, "GET /v1/status", "5000 tx/s", false},
		{"health", healthHandler(client), nil, "GET /ready", "READY", false},
		{"history", historyHandler(client), map[string]any{"limit": float64(5)}, "GET /v1/history?limit=5&offset=0", "r1 (baseline) *", false},
		{"detail", runDetailHandler(client), map[string]any{"id": "r1"}, "GET /v1/history/r1", "#7  gas=21,000/30,000,000", false},
		{"detail without id", runDetailHandler(client), nil, "", "id is required", true},
		{"delete", deleteRunHandler(client), map[string]any{"id": "r1"}, "DELETE /v1/history/r1", "Run Deleted", false},
		{"stop conflict", stopHandler(client), nil, "POST /v1/stop", "HTTP 409", true},
		{"update without fields", renameRunHandler(client), map[string]any{"id": "r1"}, "", "name or favorite", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before, _ := api.last()
			out, isErr := call(t, tt.handler, tt.args)
			if isErr != tt.wantErr {
				t.Errorf("isError = %v, want %v (%s)", isErr, tt.wantErr, out)
			}
			if !strings.Contains(out, tt.wantText) {
				t.Errorf("output missing %q:\n%s", tt.wantText, out)
			}
			got, _ := api.last()
			if tt.wantRequest == "" {
				if got != before {
					t.Errorf("unexpected request %q", got)
				}
				return
			}
			if got != tt.wantRequest {
				t.Errorf("request = %q, want %q", got, tt.wantRequest)
			}
		})
	}
}

func TestRunToolPayload(t *testing.T) {
	api, client := newFakeAPI(t)

	out, isErr := call(t, runHandler(client), map[string]any{
		"mode":                 "replay",
		"event_limit":          float64(50),
		"null_swaps_per_block": float64(0),
		"verify_price":         false,
	})
	if isErr || !strings.Contains(out, "r2") {
		t.Fatalf("run output = %s (error %v)", out, isErr)
	}

	req, body := api.last()
	if req != "POST /v1/start" {
		t.Fatalf("request = %q", req)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		t.Fatalf("payload %q: %v", body, err)
	}
	if payload["mode"] != "replay" || payload["eventLimit"] != float64(50) {
		t.Errorf("payload = %v", payload)
	}
	if _, ok := payload["nullSwapsPerBlock"]; ok {
		t.Errorf("zero nullSwapsPerBlock sent: %v", payload)
	}
	if v, ok := payload["verifyPrice"]; !ok || v != false {
		t.Errorf("verifyPrice = %v, want false", v)
	}
	if _, ok := payload["perCall"]; ok {
		t.Errorf("unset perCall sent: %v", payload)
	}
}

func TestUpdateToolPayload(t *testing.T) {
	api, client := newFakeAPI(t)

	out, isErr := call(t, renameRunHandler(client), map[string]any{"id": "r1", "favorite": true})
	if isErr {
		t.Fatalf("update error: %s", out)
	}
	req, body := api.last()
	if req != "PATCH /v1/history/r1" {
		t.Errorf("request = %q", req)
	}
	if strings.TrimSpace(body) != `{"favorite":true}` {
		t.Errorf("body = %s", body)
	}
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{float64(0), "0"},
		{float64(999), "999"},
		{float64(1000), "1,000"},
		{int64(1234567), "1,234,567"},
		{-123456, "-123,456"},
		{2.5, "2.5"},
	}
	for _, tt := range tests {
		if got := formatNumber(tt.in); got != tt.want {
			t.Errorf("formatNumber(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
