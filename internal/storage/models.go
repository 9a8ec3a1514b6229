// Package storage provides persistence for run history.
package storage

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a persisted run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// Run is a persisted run with its headline numbers. The full run summary
// is kept as JSON in Summary.
type Run struct {
	ID          string          `json:"id"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Status      RunStatus       `json:"status"`
	Mode        string          `json:"mode"`
	Node        string          `json:"node"`
	Config      json.RawMessage `json:"config,omitempty"`
	Error       string          `json:"error,omitempty"`

	Events            int             `json:"events"`
	Verified          int             `json:"verified"`
	Recovered         int             `json:"recovered"`
	FinalPrice        string          `json:"finalPrice,omitempty"`
	TotalTransactions int             `json:"totalTransactions"`
	Throughput        float64         `json:"throughput"`
	LatencyMs         float64         `json:"latencyMs"`
	PriceViolations   int             `json:"priceViolations"`
	Summary           json.RawMessage `json:"summary,omitempty"`

	Name     string `json:"name,omitempty"`
	Favorite bool   `json:"favorite"`
}

// RunMetadataUpdate changes the name and/or favorite flag of a run.
type RunMetadataUpdate struct {
	Name     *string `json:"name,omitempty"`
	Favorite *bool   `json:"favorite,omitempty"`
}

// BlockSample is one block observed while a run was active.
type BlockSample struct {
	Number    uint64 `json:"number"`
	Hash      string `json:"hash"`
	GasUsed   uint64 `json:"gasUsed"`
	GasLimit  uint64 `json:"gasLimit"`
	Timestamp uint64 `json:"timestamp"`
}

// RunDetail combines a run with its block samples.
type RunDetail struct {
	Run    *Run          `json:"run"`
	Blocks []BlockSample `json:"blocks"`
}

// PaginatedRuns is a page of runs.
type PaginatedRuns struct {
	Runs   []Run `json:"runs"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}
