package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gateway-fm/poolreplay/internal/replay"
	"github.com/gateway-fm/poolreplay/internal/runner"
	"github.com/gateway-fm/poolreplay/internal/storage"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeHealth struct{ err error }

func (h fakeHealth) CheckNode(context.Context) error { return h.err }

// testEnv serves a real runner.Service whose runs block until released.
type testEnv struct {
	svc     *runner.Service
	server  *Server
	http    *httptest.Server
	release chan struct{}
}

func newTestEnv(t *testing.T, withStore bool) *testEnv {
	t.Helper()
	env := &testEnv{release: make(chan struct{})}

	var store storage.Storage
	if withStore {
		s, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "runs.db"))
		if err != nil {
			t.Fatalf("NewSQLiteStorage: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		store = s
	}

	env.svc = runner.NewService(func(ctx context.Context, _ runner.Request, onStage func(runner.Stage)) (*runner.Summary, error) {
		onStage(runner.StageReplaying)
		select {
		case <-env.release:
			return &runner.Summary{Events: 10, Replay: &replay.Report{Verified: 9}}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, runner.ServiceConfig{Store: store, Node: "anvil", Logger: quietLogger})

	env.server = NewServer(env.svc, fakeHealth{}, quietLogger, "*")
	env.http = httptest.NewServer(env.server.Handler())
	t.Cleanup(func() {
		env.http.Close()
		env.server.Close()
		_ = env.svc.Stop()
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if len(bytes.TrimSpace(raw)) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp, out
}

func (e *testEnv) finish(t *testing.T) {
	t.Helper()
	close(e.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.svc.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestValidateStartRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     runner.Request
		wantErr string
	}{
		{"empty", runner.Request{}, ""},
		{"replay", runner.Request{Mode: runner.ModeReplay}, ""},
		{"invalid mode", runner.Request{Mode: "stress"}, "mode must be"},
		{"negative swaps", runner.Request{NullSwapsPerBlock: -1}, "must not be negative"},
		{"swaps exceed max", runner.Request{NullSwapsPerBlock: maxNullSwapsPerBlock + 1}, "nullSwapsPerBlock exceeds maximum"},
		{"blocks exceed max", runner.Request{BlocksToMine: maxBlocksToMine + 1}, "blocksToMine exceeds maximum"},
		{"long name", runner.Request{Name: strings.Repeat("x", maxNameLength+1)}, "name exceeds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateStartRequest(&tt.req)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("validateStartRequest() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validateStartRequest() error = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestStartStatusStopLifecycle(t *testing.T) {
	env := newTestEnv(t, true)

	resp, body := env.do(t, http.MethodGet, "/v1/status", "")
	if resp.StatusCode != http.StatusOK || body["state"] != "idle" {
		t.Fatalf("GET /v1/status = %d %v, want 200 idle", resp.StatusCode, body)
	}

	resp, body = env.do(t, http.MethodPost, "/v1/start", `{"mode":"replay","name":"first"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /v1/start = %d %v, want 202", resp.StatusCode, body)
	}
	id, _ := body["runId"].(string)
	if id == "" {
		t.Fatalf("runId missing in %v", body)
	}

	resp, _ = env.do(t, http.MethodPost, "/start", `{}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second POST /start = %d, want 409", resp.StatusCode)
	}

	_, body = env.do(t, http.MethodGet, "/status", "")
	if body["state"] != "running" || body["runId"] != id {
		t.Errorf("status = %v, want running %s", body, id)
	}

	resp, _ = env.do(t, http.MethodDelete, "/v1/history/"+id, "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("DELETE active run = %d, want 409", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodPost, "/v1/stop", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("POST /v1/stop = %d, want 200", resp.StatusCode)
	}
	_, body = env.do(t, http.MethodGet, "/v1/status", "")
	if body["state"] != "cancelled" {
		t.Errorf("state after stop = %v, want cancelled", body["state"])
	}

	resp, _ = env.do(t, http.MethodPost, "/v1/stop", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("POST /v1/stop while idle = %d, want 409", resp.StatusCode)
	}
}

func TestStartRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t, false)

	tests := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"malformed json", http.MethodPost, `{"mode":`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, `{"tps":100}`, http.StatusBadRequest},
		{"invalid mode", http.MethodPost, `{"mode":"stress"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, tt.method, "/v1/start", tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if body["error"] == nil {
				t.Errorf("body = %v, want error message", body)
			}
		})
	}
}

func TestHistoryRoutes(t *testing.T) {
	env := newTestEnv(t, true)

	_, body := env.do(t, http.MethodPost, "/v1/start", "")
	id := body["runId"].(string)
	env.finish(t)

	resp, body := env.do(t, http.MethodGet, "/v1/history?limit=10", "")
	if resp.StatusCode != http.StatusOK || body["total"] != float64(1) {
		t.Fatalf("GET /v1/history = %d %v, want one run", resp.StatusCode, body)
	}

	resp, body = env.do(t, http.MethodGet, "/history/"+id, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /history/{id} = %d %v", resp.StatusCode, body)
	}
	run, _ := body["run"].(map[string]any)
	if run["status"] != "completed" || run["verified"] != float64(9) {
		t.Errorf("run = %v, want completed with 9 verified", run)
	}

	resp, body = env.do(t, http.MethodPatch, "/v1/history/"+id, `{"name":"baseline","favorite":true}`)
	if resp.StatusCode != http.StatusOK || body["name"] != "baseline" || body["favorite"] != true {
		t.Errorf("PATCH = %d %v, want renamed favorite", resp.StatusCode, body)
	}

	resp, _ = env.do(t, http.MethodPatch, "/v1/history/"+id, `not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("PATCH bad body = %d, want 400", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodDelete, "/v1/history/"+id, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("DELETE = %d, want 200", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/v1/history/"+id, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET deleted run = %d, want 404", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodGet, "/v1/history/", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("GET /v1/history/ = %d, want 400", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPut, "/v1/history/x", "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("PUT /v1/history/x = %d, want 405", resp.StatusCode)
	}
}

func TestHistoryWithoutStore(t *testing.T) {
	env := newTestEnv(t, false)
	resp, _ := env.do(t, http.MethodGet, "/v1/history", "")
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("GET /v1/history = %d, want 501", resp.StatusCode)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{runner.ErrBusy, http.StatusConflict},
		{runner.ErrNotRunning, http.StatusConflict},
		{storage.ErrNotFound, http.StatusNotFound},
		{runner.ErrNoStorage, http.StatusNotImplemented},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestCORS(t *testing.T) {
	svc := runner.NewService(nil, runner.ServiceConfig{Logger: quietLogger})
	srv := NewServer(svc, nil, quietLogger, "https://a.example, https://b.example")
	defer srv.Close()
	h := srv.Handler()

	tests := []struct {
		origin string
		want   string
	}{
		{"https://b.example", "https://b.example"},
		{"https://evil.example", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodOptions, "/v1/status", nil)
		req.Header.Set("Origin", tt.origin)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("OPTIONS status = %d, want 200", rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
			t.Errorf("Allow-Origin for %s = %q, want %q", tt.origin, got, tt.want)
		}
	}
}

func TestHealthReadyMetrics(t *testing.T) {
	svc := runner.NewService(nil, runner.ServiceConfig{Logger: quietLogger})

	tests := []struct {
		name      string
		health    HealthChecker
		wantReady int
	}{
		{"no checker", nil, http.StatusOK},
		{"node up", fakeHealth{}, http.StatusOK},
		{"node down", fakeHealth{err: errors.New("connection refused")}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(svc, tt.health, quietLogger, "")
			defer srv.Close()
			h := srv.Handler()

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "healthy") {
				t.Errorf("/health = %d %s", rec.Code, rec.Body)
			}

			rec = httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
			if rec.Code != tt.wantReady {
				t.Errorf("/ready = %d, want %d", rec.Code, tt.wantReady)
			}

			rec = httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
			if rec.Code != http.StatusOK {
				t.Errorf("/metrics = %d, want 200", rec.Code)
			}
		})
	}
}

func TestWebSocketStreamsStatus(t *testing.T) {
	env := newTestEnv(t, false)
	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/v1/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var status runner.Status
	if err := conn.ReadJSON(&status); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if status.State != runner.StateIdle {
		t.Errorf("initial state = %q, want idle", status.State)
	}

	if _, err := env.svc.Start(runner.Request{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for status.State != runner.StateRunning {
		if err := conn.ReadJSON(&status); err != nil {
			t.Fatalf("ReadJSON: %v", err)
		}
	}

	env.finish(t)
	for status.State == runner.StateRunning {
		if err := conn.ReadJSON(&status); err != nil {
			t.Fatalf("ReadJSON: %v", err)
		}
	}
	if status.State != runner.StateCompleted || status.Summary == nil || status.Summary.Events != 10 {
		t.Errorf("final status = %+v, want completed summary", status)
	}
}
