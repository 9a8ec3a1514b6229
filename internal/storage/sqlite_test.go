package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func createTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	storage, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "nested", "runs.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	return storage
}

func newRun(id string, started time.Time) *Run {
	return &Run{
		ID:        id,
		StartedAt: started,
		Mode:      "run",
		Node:      "anvil",
		Config:    json.RawMessage(`{"nullSwapsPerBlock":1000}`),
	}
}

func TestIsValidIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"runs", true},
		{"run_blocks", true},
		{"", false},
		{"runs'; DROP TABLE runs; --", false},
		{"a b", false},
	}
	for _, tt := range tests {
		if got := isValidIdentifier(tt.in); got != tt.want {
			t.Errorf("isValidIdentifier(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestMigrationsAddColumns(t *testing.T) {
	storage := createTestStorage(t)
	for _, col := range []string{"name", "favorite", "summary"} {
		if !storage.columnExists("runs", col) {
			t.Errorf("columnExists(runs, %s) = false, want true", col)
		}
	}
	if storage.columnExists("runs", "missing") {
		t.Error("columnExists(runs, missing) = true, want false")
	}
}

func TestCreateAndGetRun(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()

	run := newRun("run-1", time.Now())
	if err := storage.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := storage.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != StatusRunning {
		t.Errorf("Status = %q, want %q", got.Status, StatusRunning)
	}
	if got.Mode != "run" || got.Node != "anvil" {
		t.Errorf("Mode, Node = %q, %q, want run, anvil", got.Mode, got.Node)
	}
	if string(got.Config) != string(run.Config) {
		t.Errorf("Config = %s, want %s", got.Config, run.Config)
	}
	if got.CompletedAt != nil {
		t.Errorf("CompletedAt = %v, want nil", got.CompletedAt)
	}
}

func TestGetRunNotFound(t *testing.T) {
	storage := createTestStorage(t)
	if _, err := storage.GetRun(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun() error = %v, want ErrNotFound", err)
	}
}

func TestCompleteRun(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()
	if err := storage.CreateRun(ctx, newRun("run-1", time.Now())); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	done := &Run{
		ID:                "run-1",
		Events:            100,
		Verified:          97,
		Recovered:         2,
		FinalPrice:        "79228162514264337593543950336",
		TotalTransactions: 20000,
		Throughput:        4000,
		LatencyMs:         0.25,
		PriceViolations:   1,
		Summary:           json.RawMessage(`{"events":100}`),
	}
	if err := storage.CompleteRun(ctx, done); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	got, err := storage.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != StatusCompleted || got.CompletedAt == nil {
		t.Errorf("Status, CompletedAt = %q, %v, want completed with time", got.Status, got.CompletedAt)
	}
	if got.Verified != 97 || got.Recovered != 2 || got.TotalTransactions != 20000 {
		t.Errorf("counts = %d/%d/%d, want 97/2/20000", got.Verified, got.Recovered, got.TotalTransactions)
	}
	if got.FinalPrice != done.FinalPrice {
		t.Errorf("FinalPrice = %s, want %s", got.FinalPrice, done.FinalPrice)
	}
	if got.Throughput != 4000 || got.LatencyMs != 0.25 || got.PriceViolations != 1 {
		t.Errorf("benchmark = %v/%v/%d, want 4000/0.25/1", got.Throughput, got.LatencyMs, got.PriceViolations)
	}
	if string(got.Summary) != `{"events":100}` {
		t.Errorf("Summary = %s", got.Summary)
	}

	if err := storage.CompleteRun(ctx, &Run{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteRun(missing) error = %v, want ErrNotFound", err)
	}
}

func TestFailRun(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()
	if err := storage.CreateRun(ctx, newRun("run-1", time.Now())); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := storage.FailRun(ctx, "run-1", StatusFailed, "tolerance exceeded at event 42"); err != nil {
		t.Fatalf("FailRun: %v", err)
	}
	got, err := storage.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != StatusFailed || got.Error != "tolerance exceeded at event 42" {
		t.Errorf("Status, Error = %q, %q", got.Status, got.Error)
	}
	if err := storage.FailRun(ctx, "missing", StatusCancelled, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("FailRun(missing) error = %v, want ErrNotFound", err)
	}
}

func TestListRuns(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i := range 5 {
		if err := storage.CreateRun(ctx, newRun(fmt.Sprintf("run-%d", i), base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	page, err := storage.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if page.Total != 5 || len(page.Runs) != 2 {
		t.Fatalf("Total, len = %d, %d, want 5, 2", page.Total, len(page.Runs))
	}
	if page.Runs[0].ID != "run-4" || page.Runs[1].ID != "run-3" {
		t.Errorf("first page = %s, %s, want run-4, run-3", page.Runs[0].ID, page.Runs[1].ID)
	}

	page, err = storage.ListRuns(ctx, 10, 4)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(page.Runs) != 1 || page.Runs[0].ID != "run-0" {
		t.Errorf("last page = %+v, want [run-0]", page.Runs)
	}
}

func TestEmptyListIsNotNil(t *testing.T) {
	storage := createTestStorage(t)
	page, err := storage.ListRuns(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if page.Runs == nil {
		t.Error("Runs = nil, want empty slice")
	}
}

func TestUpdateRunMetadata(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()
	base := time.Now()
	for i, id := range []string{"old", "new"} {
		if err := storage.CreateRun(ctx, newRun(id, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	name, fav := "baseline", true
	if err := storage.UpdateRunMetadata(ctx, "old", &RunMetadataUpdate{Name: &name, Favorite: &fav}); err != nil {
		t.Fatalf("UpdateRunMetadata: %v", err)
	}
	got, err := storage.GetRun(ctx, "old")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Name != "baseline" || !got.Favorite {
		t.Errorf("Name, Favorite = %q, %v, want baseline, true", got.Name, got.Favorite)
	}

	page, err := storage.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if page.Runs[0].ID != "old" {
		t.Errorf("first run = %s, want favorite first", page.Runs[0].ID)
	}

	if err := storage.UpdateRunMetadata(ctx, "old", &RunMetadataUpdate{}); err != nil {
		t.Errorf("empty update error = %v, want nil", err)
	}
	if err := storage.UpdateRunMetadata(ctx, "missing", &RunMetadataUpdate{Name: &name}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateRunMetadata(missing) error = %v, want ErrNotFound", err)
	}
}

func TestBlocksCascadeOnDelete(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()
	if err := storage.CreateRun(ctx, newRun("run-1", time.Now())); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	blocks := []BlockSample{
		{Number: 12, Hash: "0x0c", GasUsed: 30_000_000, GasLimit: 30_000_000, Timestamp: 1_619_830_015},
		{Number: 11, Hash: "0x0b", GasUsed: 21_000, GasLimit: 30_000_000, Timestamp: 1_619_830_000},
	}
	if err := storage.InsertBlocks(ctx, "run-1", blocks); err != nil {
		t.Fatalf("InsertBlocks: %v", err)
	}
	if err := storage.InsertBlocks(ctx, "run-1", nil); err != nil {
		t.Errorf("InsertBlocks(nil) error = %v, want nil", err)
	}

	got, err := storage.GetBlocks(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetBlocks: %v", err)
	}
	if len(got) != 2 || got[0] != blocks[1] || got[1] != blocks[0] {
		t.Errorf("GetBlocks() = %+v, want ordered by number", got)
	}

	if err := storage.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	got, err = storage.GetBlocks(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetBlocks: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("blocks after delete = %d, want 0", len(got))
	}
	if err := storage.DeleteRun(ctx, "run-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteRun() error = %v, want ErrNotFound", err)
	}
}
