package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteSource reads recorded events from an indexer SQLite database.
type SQLiteSource struct {
	db     *sql.DB
	limit  int
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the event database at path.
// A positive limit caps the number of events read, in globalIndex order.
func OpenSQLite(path string, limit int, logger *slog.Logger) (*SQLiteSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteSource{db: db, limit: limit, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteSource) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pool_events (
		global_index INTEGER PRIMARY KEY,
		kind TEXT NOT NULL,
		block_timestamp INTEGER NOT NULL,
		block_number INTEGER NOT NULL,
		amount TEXT,
		amount0 TEXT NOT NULL,
		amount1 TEXT NOT NULL,
		tick_lower INTEGER,
		tick_upper INTEGER,
		liquidity TEXT,
		sqrt_price_x96 TEXT
	);

	CREATE TABLE IF NOT EXISTS pool_metadata (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		init_sqrt_price_x96 TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		fee INTEGER NOT NULL,
		last_indexed_block INTEGER NOT NULL,
		last_global_index INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteSource) Close() error {
	return s.db.Close()
}

// Events implements Source. Flash rows are skipped.
func (s *SQLiteSource) Events(ctx context.Context) ([]Event, error) {
	query := `SELECT global_index, kind, block_timestamp, block_number,
		amount, amount0, amount1, tick_lower, tick_upper, liquidity, sqrt_price_x96
		FROM pool_events WHERE kind != ? ORDER BY global_index`
	args := []any{string(KindFlash)}
	if s.limit > 0 {
		query += " LIMIT ?"
		args = append(args, s.limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			raw                          rawEvent
			amount, liquidity, sqrtPrice sql.NullString
			amount0, amount1             string
			tickLower, tickUpper         sql.NullInt64
		)
		if err := rows.Scan(&raw.GlobalIndex, &raw.Type, &raw.Block.Timestamp, &raw.Block.BlockNumber,
			&amount, &amount0, &amount1, &tickLower, &tickUpper, &liquidity, &sqrtPrice); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		ev := Event{
			GlobalIndex: raw.GlobalIndex,
			Kind:        Kind(raw.Type),
			Block:       Block{Timestamp: raw.Block.Timestamp, BlockNumber: raw.Block.BlockNumber},
		}
		switch ev.Kind {
		case KindMint, KindBurn:
			p := LiquidityChange{TickLower: int32(tickLower.Int64), TickUpper: int32(tickUpper.Int64)}
			if p.Amount, err = parseBig("amount", amount.String); err == nil {
				if p.Amount0, err = parseBig("amount0", amount0); err == nil {
					p.Amount1, err = parseBig("amount1", amount1)
				}
			}
			ev.Payload = p
		case KindSwap:
			p := Swap{}
			if p.Amount0, err = parseBig("amount0", amount0); err == nil {
				if p.Amount1, err = parseBig("amount1", amount1); err == nil {
					if p.Liquidity, err = parseBig("liquidity", liquidity.String); err == nil {
						p.SqrtPriceX96, err = parseBig("sqrtPriceX96", sqrtPrice.String)
					}
				}
			}
			ev.Payload = p
		default:
			err = fmt.Errorf("unknown event kind %q", raw.Type)
		}
		if err != nil {
			return nil, &ConfigError{GlobalIndex: ev.GlobalIndex, Field: "data", Reason: err.Error()}
		}
		if err := checkPayload(ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	s.logger.Debug("loaded events from sqlite", slog.Int("count", len(events)))
	return events, nil
}

// Metadata implements Source.
func (s *SQLiteSource) Metadata(ctx context.Context) (*PoolMetadata, error) {
	var (
		price string
		meta  PoolMetadata
	)
	err := s.db.QueryRowContext(ctx, `SELECT init_sqrt_price_x96, timestamp, fee, last_indexed_block, last_global_index
		FROM pool_metadata WHERE id = 1`).Scan(&price, &meta.Timestamp, &meta.Fee, &meta.LastIndexedBlock, &meta.LastGlobalIndex)
	if err == sql.ErrNoRows {
		return nil, &ConfigError{Field: "metadata", Reason: "no pool metadata row"}
	}
	if err != nil {
		return nil, fmt.Errorf("query metadata: %w", err)
	}

	p, ok := new(big.Int).SetString(price, 10)
	if !ok || p.Sign() <= 0 {
		return nil, &ConfigError{Field: "metadata.initSqrtPriceX96", Reason: fmt.Sprintf("malformed %q", price)}
	}
	meta.InitSqrtPriceX96 = p
	return &meta, nil
}

// Import replaces the stored events and metadata in one transaction.
func (s *SQLiteSource) Import(ctx context.Context, events []Event, meta *PoolMetadata) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pool_events`); err != nil {
		return fmt.Errorf("clear events: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO pool_events (global_index, kind, block_timestamp, block_number,
		amount, amount0, amount1, tick_lower, tick_upper, liquidity, sqrt_price_x96)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		var args []any
		switch p := ev.Payload.(type) {
		case LiquidityChange:
			args = []any{p.Amount.String(), p.Amount0.String(), p.Amount1.String(), p.TickLower, p.TickUpper, nil, nil}
		case Swap:
			args = []any{nil, p.Amount0.String(), p.Amount1.String(), nil, nil, p.Liquidity.String(), p.SqrtPriceX96.String()}
		default:
			return &ConfigError{GlobalIndex: ev.GlobalIndex, Field: "data", Reason: "unsupported payload"}
		}
		args = append([]any{ev.GlobalIndex, string(ev.Kind), ev.Block.Timestamp, ev.Block.BlockNumber}, args...)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert event %d: %w", ev.GlobalIndex, err)
		}
	}

	if meta != nil {
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO pool_metadata
			(id, init_sqrt_price_x96, timestamp, fee, last_indexed_block, last_global_index)
			VALUES (1, ?, ?, ?, ?, ?)`,
			meta.InitSqrtPriceX96.String(), meta.Timestamp, meta.Fee, meta.LastIndexedBlock, meta.LastGlobalIndex)
		if err != nil {
			return fmt.Errorf("insert metadata: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Info("imported events", slog.Int("count", len(events)))
	return nil
}
