package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gateway-fm/poolreplay/internal/node"
	"github.com/gateway-fm/poolreplay/internal/storage"
)

var (
	// ErrBusy is returned when a run is already in progress.
	ErrBusy = errors.New("a run is already in progress")
	// ErrNotRunning is returned by Stop when nothing is running.
	ErrNotRunning = errors.New("no run in progress")
	// ErrNoStorage is returned by history queries without a store.
	ErrNoStorage = errors.New("run history is not enabled")
)

// Run modes.
const (
	ModeRun    = "run"
	ModeReplay = "replay"
)

// Request parameterizes one run started through a Service. Zero fields keep
// the configured defaults.
type Request struct {
	Mode              string `json:"mode,omitempty"`
	Name              string `json:"name,omitempty"`
	EventLimit        int    `json:"eventLimit,omitempty"`
	NullSwapsPerBlock int    `json:"nullSwapsPerBlock,omitempty"`
	BlocksToMine      int    `json:"blocksToMine,omitempty"`
	PerCall           *bool  `json:"perCall,omitempty"`
	VerifyPrice       *bool  `json:"verifyPrice,omitempty"`
}

// Validate rejects malformed requests.
func (r Request) Validate() error {
	var errs []error
	if r.Mode != "" && r.Mode != ModeRun && r.Mode != ModeReplay {
		errs = append(errs, fmt.Errorf("mode must be %q or %q, got %q", ModeRun, ModeReplay, r.Mode))
	}
	if r.EventLimit < 0 {
		errs = append(errs, fmt.Errorf("eventLimit must not be negative, got %d", r.EventLimit))
	}
	if r.NullSwapsPerBlock < 0 {
		errs = append(errs, fmt.Errorf("nullSwapsPerBlock must not be negative, got %d", r.NullSwapsPerBlock))
	}
	if r.BlocksToMine < 0 {
		errs = append(errs, fmt.Errorf("blocksToMine must not be negative, got %d", r.BlocksToMine))
	}
	return errors.Join(errs...)
}

// RunFunc executes one run for req, reporting stage changes to onStage.
type RunFunc func(ctx context.Context, req Request, onStage func(Stage)) (*Summary, error)

// State is the lifecycle state reported by a Service.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Status is a snapshot of the Service.
type Status struct {
	State     State          `json:"state"`
	Stage     Stage          `json:"stage,omitempty"`
	RunID     string         `json:"runId,omitempty"`
	Request   *Request       `json:"request,omitempty"`
	StartedAt *time.Time     `json:"startedAt,omitempty"`
	Elapsed   float64        `json:"elapsedSeconds"`
	Heads     node.HeadStats `json:"heads"`
	Error     string         `json:"error,omitempty"`
	Summary   *Summary       `json:"summary,omitempty"`
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// Store persists run history when set.
	Store storage.Storage
	// Node names the node profile recorded with each run.
	Node   string
	Logger *slog.Logger
}

// Service runs at most one run at a time in the background and keeps the
// run history.
type Service struct {
	run    RunFunc
	store  storage.Storage
	node   string
	logger *slog.Logger

	mu      sync.Mutex
	status  Status
	cancel  context.CancelFunc
	done    chan struct{}
	blocks  []storage.BlockSample
	started time.Time
}

// NewService creates an idle Service.
func NewService(run RunFunc, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		run:    run,
		store:  cfg.Store,
		node:   cfg.Node,
		logger: logger,
		status: Status{State: StateIdle},
	}
}

// Start begins a run in the background and returns its ID.
func (s *Service) Start(req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if req.Mode == "" {
		req.Mode = ModeRun
	}

	s.mu.Lock()
	if s.status.State == StateRunning {
		s.mu.Unlock()
		return "", ErrBusy
	}
	id := uuid.New().String()
	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.status = Status{State: StateRunning, RunID: id, Request: &req, StartedAt: &now}
	s.cancel, s.done, s.blocks, s.started = cancel, done, nil, now
	s.mu.Unlock()

	if s.store != nil {
		cfg, _ := json.Marshal(req)
		run := &storage.Run{ID: id, StartedAt: now, Mode: req.Mode, Node: s.node, Config: cfg, Name: req.Name}
		if err := s.store.CreateRun(ctx, run); err != nil {
			s.logger.Warn("failed to persist run", slog.String("runId", id), slog.String("error", err.Error()))
		}
	}

	s.logger.Info("run started", slog.String("runId", id), slog.String("mode", req.Mode))
	go s.execute(ctx, cancel, id, req, done)
	return id, nil
}

func (s *Service) execute(ctx context.Context, cancel context.CancelFunc, id string, req Request, done chan struct{}) {
	defer close(done)
	defer cancel()

	summary, err := s.run(ctx, req, func(stage Stage) {
		s.mu.Lock()
		if s.status.RunID == id {
			s.status.Stage = stage
		}
		s.mu.Unlock()
	})

	s.mu.Lock()
	blocks := s.blocks
	s.blocks = nil
	s.cancel = nil
	switch {
	case err == nil:
		s.status.State = StateCompleted
		s.status.Summary = summary
	case errors.Is(err, context.Canceled):
		s.status.State = StateCancelled
		s.status.Error = err.Error()
	default:
		s.status.State = StateFailed
		s.status.Error = err.Error()
	}
	s.status.Elapsed = time.Since(s.started).Seconds()
	state := s.status.State
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("run failed", slog.String("runId", id), slog.String("state", string(state)), slog.String("error", err.Error()))
	} else {
		s.logger.Info("run finished", slog.String("runId", id))
	}
	s.persist(id, state, summary, err, blocks)
}

func (s *Service) persist(id string, state State, summary *Summary, runErr error, blocks []storage.BlockSample) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch state {
	case StateCompleted:
		err = s.store.CompleteRun(ctx, toRun(id, summary))
	case StateCancelled:
		err = s.store.FailRun(ctx, id, storage.StatusCancelled, runErr.Error())
	default:
		err = s.store.FailRun(ctx, id, storage.StatusFailed, runErr.Error())
	}
	if err == nil {
		err = s.store.InsertBlocks(ctx, id, blocks)
	}
	if err != nil {
		s.logger.Warn("failed to persist run result", slog.String("runId", id), slog.String("error", err.Error()))
	}
}

func toRun(id string, summary *Summary) *storage.Run {
	run := &storage.Run{ID: id, Events: summary.Events}
	if summary.Replay != nil {
		run.Verified = summary.Replay.Verified
		run.Recovered = summary.Replay.Recovered
		if summary.Replay.FinalPrice != nil {
			run.FinalPrice = summary.Replay.FinalPrice.String()
		}
	}
	if b := summary.Benchmark; b != nil {
		run.TotalTransactions = b.TotalTransactions
		run.Throughput = b.AverageThroughput
		run.LatencyMs = b.AverageLatencyMs
		run.PriceViolations = b.PriceViolations
	}
	run.Summary, _ = json.Marshal(summary)
	return run
}

// Stop cancels the active run and waits for it to end.
func (s *Service) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	running := s.status.State == StateRunning
	s.mu.Unlock()

	if !running || cancel == nil {
		return ErrNotRunning
	}
	cancel()
	<-done
	return nil
}

// Wait blocks until the active run, if any, ends or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of the Service.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	if st.State == StateRunning {
		st.Elapsed = time.Since(s.started).Seconds()
	}
	return st
}

// RecordHead adds a block seen during the active run. Heads outside a run
// are dropped.
func (s *Service) RecordHead(h node.Head) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.State != StateRunning {
		return
	}
	s.blocks = append(s.blocks, storage.BlockSample{
		Number:    h.Number,
		Hash:      h.Hash.Hex(),
		GasUsed:   h.GasUsed,
		GasLimit:  h.GasLimit,
		Timestamp: h.Timestamp,
	})
	hs := &s.status.Heads
	if hs.Blocks == 0 {
		hs.FirstBlock = h.Number
	}
	hs.Blocks++
	hs.GasUsed += h.GasUsed
	hs.LastBlock = h.Number
	hs.LastTimestamp = h.Timestamp
}

// History returns a page of past runs.
func (s *Service) History(ctx context.Context, limit, offset int) (*storage.PaginatedRuns, error) {
	if s.store == nil {
		return nil, ErrNoStorage
	}
	return s.store.ListRuns(ctx, limit, offset)
}

// RunDetail returns a past run with its block samples.
func (s *Service) RunDetail(ctx context.Context, id string) (*storage.RunDetail, error) {
	if s.store == nil {
		return nil, ErrNoStorage
	}
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	blocks, err := s.store.GetBlocks(ctx, id)
	if err != nil {
		return nil, err
	}
	return &storage.RunDetail{Run: run, Blocks: blocks}, nil
}

// DeleteRun removes a past run. The active run cannot be deleted.
func (s *Service) DeleteRun(ctx context.Context, id string) error {
	if s.store == nil {
		return ErrNoStorage
	}
	s.mu.Lock()
	active := s.status.State == StateRunning && s.status.RunID == id
	s.mu.Unlock()
	if active {
		return ErrBusy
	}
	return s.store.DeleteRun(ctx, id)
}

// UpdateRun changes the name and/or favorite flag of a past run.
func (s *Service) UpdateRun(ctx context.Context, id string, update *storage.RunMetadataUpdate) error {
	if s.store == nil {
		return ErrNoStorage
	}
	return s.store.UpdateRunMetadata(ctx, id, update)
}
