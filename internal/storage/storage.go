package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned for an unknown run ID.
var ErrNotFound = errors.New("run not found")

// Storage defines the persistence interface for run history.
type Storage interface {
	// Run lifecycle
	CreateRun(ctx context.Context, run *Run) error
	CompleteRun(ctx context.Context, run *Run) error
	FailRun(ctx context.Context, id string, status RunStatus, message string) error
	GetRun(ctx context.Context, id string) (*Run, error)

	// History queries
	ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error)
	DeleteRun(ctx context.Context, id string) error
	UpdateRunMetadata(ctx context.Context, id string, update *RunMetadataUpdate) error

	// Block samples, written once a run ends
	InsertBlocks(ctx context.Context, runID string, blocks []BlockSample) error
	GetBlocks(ctx context.Context, runID string) ([]BlockSample, error)

	Close() error
}
