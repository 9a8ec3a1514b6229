package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage opens or creates the database at dbPath.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL lets the API read history while a run is being written.
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		status TEXT NOT NULL DEFAULT 'running',
		mode TEXT NOT NULL,
		node TEXT NOT NULL DEFAULT '',
		config TEXT,
		error_message TEXT,
		events INTEGER DEFAULT 0,
		verified INTEGER DEFAULT 0,
		recovered INTEGER DEFAULT 0,
		final_price TEXT,
		total_transactions INTEGER DEFAULT 0,
		throughput REAL DEFAULT 0,
		latency_ms REAL DEFAULT 0,
		price_violations INTEGER DEFAULT 0,
		summary TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS run_blocks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		hash TEXT NOT NULL,
		gas_used INTEGER DEFAULT 0,
		gas_limit INTEGER DEFAULT 0,
		timestamp INTEGER DEFAULT 0,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_run_blocks_run ON run_blocks(run_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first schema.
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"runs", "name", "ALTER TABLE runs ADD COLUMN name TEXT"},
		{"runs", "favorite", "ALTER TABLE runs ADD COLUMN favorite INTEGER DEFAULT 0"},
	}
	for _, m := range migrations {
		if !s.columnExists(m.table, m.column) {
			if _, err := s.db.Exec(m.ddl); err != nil {
				slog.Warn("migration failed",
					slog.String("table", m.table),
					slog.String("column", m.column),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return nil
}

// columnExists reports whether table has column. Identifiers are validated
// because pragma_table_info cannot take bound parameters for them.
func (s *SQLiteStorage) columnExists(table, column string) bool {
	if !isValidIdentifier(table) || !isValidIdentifier(column) {
		return false
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = '%s'", table, column)
	var count int
	if err := s.db.QueryRow(query).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// isValidIdentifier allows alphanumeric characters and underscore.
func isValidIdentifier(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run.
func (s *SQLiteStorage) CreateRun(ctx context.Context, run *Run) error {
	status := run.Status
	if status == "" {
		status = StatusRunning
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, status, mode, node, config, name)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.StartedAt, status, run.Mode, run.Node, nullString(string(run.Config)), nullString(run.Name))
	return err
}

// CompleteRun stores the final numbers and summary of run and marks it
// completed.
func (s *SQLiteStorage) CompleteRun(ctx context.Context, run *Run) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			completed_at = ?,
			status = ?,
			events = ?,
			verified = ?,
			recovered = ?,
			final_price = ?,
			total_transactions = ?,
			throughput = ?,
			latency_ms = ?,
			price_violations = ?,
			summary = ?
		WHERE id = ?
	`, time.Now(), StatusCompleted, run.Events, run.Verified, run.Recovered, nullString(run.FinalPrice),
		run.TotalTransactions, run.Throughput, run.LatencyMs, run.PriceViolations,
		nullString(string(run.Summary)), run.ID)
	return affected(res, err, run.ID)
}

// FailRun marks a run failed or cancelled with message.
func (s *SQLiteStorage) FailRun(ctx context.Context, id string, status RunStatus, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET completed_at = ?, status = ?, error_message = ? WHERE id = ?
	`, time.Now(), status, nullString(message), id)
	return affected(res, err, id)
}

const runColumns = `id, started_at, completed_at, status, mode, node, config, error_message,
	COALESCE(events, 0), COALESCE(verified, 0), COALESCE(recovered, 0), final_price,
	COALESCE(total_transactions, 0), COALESCE(throughput, 0), COALESCE(latency_ms, 0),
	COALESCE(price_violations, 0), summary, name, COALESCE(favorite, 0)`

// GetRun returns a run by ID, or ErrNotFound.
func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return run, err
}

// ListRuns returns a page of runs, favorites first, then newest first.
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT "+runColumns+`
		FROM runs
		ORDER BY favorite DESC, started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &PaginatedRuns{Runs: runs, Total: total, Limit: limit, Offset: offset}, nil
}

// DeleteRun deletes a run and its block samples.
func (s *SQLiteStorage) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	return affected(res, err, id)
}

// UpdateRunMetadata updates the name and/or favorite flag of a run.
func (s *SQLiteStorage) UpdateRunMetadata(ctx context.Context, id string, update *RunMetadataUpdate) error {
	var updates []string
	var args []any

	if update.Name != nil {
		updates = append(updates, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Favorite != nil {
		updates = append(updates, "favorite = ?")
		if *update.Favorite {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	if len(updates) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(updates, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	return affected(res, err, id)
}

// InsertBlocks stores the block samples of a run in one transaction.
func (s *SQLiteStorage) InsertBlocks(ctx context.Context, runID string, blocks []BlockSample) error {
	if len(blocks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO run_blocks (run_id, number, hash, gas_used, gas_limit, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, b := range blocks {
		if _, err := stmt.ExecContext(ctx, runID, int64(b.Number), b.Hash, int64(b.GasUsed), int64(b.GasLimit), int64(b.Timestamp)); err != nil {
			return fmt.Errorf("insert block %d: %w", b.Number, err)
		}
	}
	return tx.Commit()
}

// GetBlocks returns the block samples of a run ordered by number.
func (s *SQLiteStorage) GetBlocks(ctx context.Context, runID string) ([]BlockSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT number, hash, gas_used, gas_limit, timestamp
		FROM run_blocks WHERE run_id = ? ORDER BY number
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	blocks := []BlockSample{}
	for rows.Next() {
		var number, gasUsed, gasLimit, ts int64
		var b BlockSample
		if err := rows.Scan(&number, &b.Hash, &gasUsed, &gasLimit, &ts); err != nil {
			return nil, err
		}
		b.Number, b.GasUsed, b.GasLimit, b.Timestamp = uint64(number), uint64(gasUsed), uint64(gasLimit), uint64(ts)
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var completedAt sql.NullTime
	var config, errorMsg, finalPrice, summary, name sql.NullString
	var favorite int

	err := row.Scan(&run.ID, &run.StartedAt, &completedAt, &run.Status, &run.Mode, &run.Node, &config, &errorMsg,
		&run.Events, &run.Verified, &run.Recovered, &finalPrice,
		&run.TotalTransactions, &run.Throughput, &run.LatencyMs,
		&run.PriceViolations, &summary, &name, &favorite)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if config.Valid {
		run.Config = []byte(config.String)
	}
	if summary.Valid {
		run.Summary = []byte(summary.String)
	}
	run.Error = errorMsg.String
	run.FinalPrice = finalPrice.String
	run.Name = name.String
	run.Favorite = favorite != 0
	return &run, nil
}

func affected(res sql.Result, err error, id string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
