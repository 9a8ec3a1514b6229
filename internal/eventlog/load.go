package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Source supplies a recorded event list and its reference metadata.
type Source interface {
	Events(ctx context.Context) ([]Event, error)
	Metadata(ctx context.Context) (*PoolMetadata, error)
}

// LoadSequence reads events from src and builds a validated Sequence.
func LoadSequence(ctx context.Context, src Source) (*Sequence, *PoolMetadata, error) {
	meta, err := src.Metadata(ctx)
	if err != nil {
		return nil, nil, err
	}
	events, err := src.Events(ctx)
	if err != nil {
		return nil, nil, err
	}
	seq, err := NewSequence(events)
	if err != nil {
		return nil, nil, err
	}
	return seq, meta, nil
}

// FileSource reads the indexer's JSON export: an array of events and a
// metadata object. Files ending in .zst are zstd-decompressed.
type FileSource struct {
	EventsPath   string
	MetadataPath string
	// Limit caps the number of events returned when positive.
	Limit  int
	Logger *slog.Logger
}

// Events implements Source.
func (s FileSource) Events(_ context.Context) ([]Event, error) {
	rc, err := openFixture(s.EventsPath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	events, err := DecodeEvents(rc, s.Logger)
	if err != nil {
		return nil, err
	}
	if s.Limit > 0 && len(events) > s.Limit {
		events = events[:s.Limit]
	}
	return events, nil
}

// Metadata implements Source.
func (s FileSource) Metadata(_ context.Context) (*PoolMetadata, error) {
	rc, err := openFixture(s.MetadataPath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return DecodeMetadata(rc)
}

type zstdReadCloser struct {
	*zstd.Decoder
	f *os.File
}

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return z.f.Close()
}

func openFixture(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if !strings.HasSuffix(path, ".zst") {
		return f, nil
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("zstd %s: %w", path, err)
	}
	return zstdReadCloser{Decoder: dec, f: f}, nil
}

type rawEvent struct {
	GlobalIndex int64           `json:"globalIndex"`
	Type        string          `json:"type"`
	Block       rawBlock        `json:"block"`
	Data        json.RawMessage `json:"data"`
}

type rawBlock struct {
	Timestamp   int64  `json:"timestamp"`
	BlockNumber uint64 `json:"blockNumber"`
}

type rawLiquidity struct {
	Amount    string `json:"amount"`
	Amount0   string `json:"amount0"`
	Amount1   string `json:"amount1"`
	TickLower string `json:"tickLower"`
	TickUpper string `json:"tickUpper"`
}

type rawSwap struct {
	Amount0      string `json:"amount0"`
	Amount1      string `json:"amount1"`
	Liquidity    string `json:"liquidity"`
	SqrtPriceX96 string `json:"sqrtPriceX96"`
}

type rawMetadata struct {
	InitSqrtPriceX96 string  `json:"initSqrtPriceX96"`
	Timestamp        *int64  `json:"timestamp"`
	Fee              *uint32 `json:"fee"`
	LastIndexedBlock uint64  `json:"lastIndexedBlock"`
	LastGlobalIndex  int64   `json:"lastGlobalIndex"`
}

// DecodeEvents decodes a JSON array of recorded events. Flash events are
// dropped and logged; every other event is converted or rejected.
func DecodeEvents(r io.Reader, logger *slog.Logger) ([]Event, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var raws []rawEvent
	if err := json.NewDecoder(r).Decode(&raws); err != nil {
		return nil, &ConfigError{Field: "events", Reason: err.Error()}
	}

	events := make([]Event, 0, len(raws))
	skipped := 0
	for _, raw := range raws {
		if Kind(raw.Type) == KindFlash {
			skipped++
			continue
		}
		ev, err := raw.toEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	if skipped > 0 {
		logger.Info("skipped flash events", slog.Int("count", skipped))
	}
	return events, nil
}

func (raw rawEvent) toEvent() (Event, error) {
	ev := Event{
		GlobalIndex: raw.GlobalIndex,
		Kind:        Kind(raw.Type),
		Block:       Block{Timestamp: raw.Block.Timestamp, BlockNumber: raw.Block.BlockNumber},
	}

	fail := func(field string, err error) (Event, error) {
		return Event{}, &ConfigError{GlobalIndex: raw.GlobalIndex, Field: field, Reason: err.Error()}
	}

	switch ev.Kind {
	case KindMint, KindBurn:
		var d rawLiquidity
		if err := json.Unmarshal(raw.Data, &d); err != nil {
			return fail("data", err)
		}
		var p LiquidityChange
		var err error
		if p.Amount, err = parseBig("amount", d.Amount); err != nil {
			return fail("data.amount", err)
		}
		if p.Amount0, err = parseBig("amount0", d.Amount0); err != nil {
			return fail("data.amount0", err)
		}
		if p.Amount1, err = parseBig("amount1", d.Amount1); err != nil {
			return fail("data.amount1", err)
		}
		if p.TickLower, err = parseTick(d.TickLower); err != nil {
			return fail("data.tickLower", err)
		}
		if p.TickUpper, err = parseTick(d.TickUpper); err != nil {
			return fail("data.tickUpper", err)
		}
		ev.Payload = p
	case KindSwap:
		var d rawSwap
		if err := json.Unmarshal(raw.Data, &d); err != nil {
			return fail("data", err)
		}
		var p Swap
		var err error
		if p.Amount0, err = parseBig("amount0", d.Amount0); err != nil {
			return fail("data.amount0", err)
		}
		if p.Amount1, err = parseBig("amount1", d.Amount1); err != nil {
			return fail("data.amount1", err)
		}
		if p.Liquidity, err = parseBig("liquidity", d.Liquidity); err != nil {
			return fail("data.liquidity", err)
		}
		if p.SqrtPriceX96, err = parseBig("sqrtPriceX96", d.SqrtPriceX96); err != nil {
			return fail("data.sqrtPriceX96", err)
		}
		ev.Payload = p
	default:
		return fail("type", fmt.Errorf("unknown event kind %q", raw.Type))
	}

	if err := checkPayload(ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// DecodeMetadata decodes the reference pool metadata object.
func DecodeMetadata(r io.Reader) (*PoolMetadata, error) {
	var raw rawMetadata
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, &ConfigError{Field: "metadata", Reason: err.Error()}
	}
	return raw.toMetadata()
}

func (raw rawMetadata) toMetadata() (*PoolMetadata, error) {
	if raw.InitSqrtPriceX96 == "" {
		return nil, &ConfigError{Field: "metadata.initSqrtPriceX96", Reason: "missing"}
	}
	price, err := parseBig("initSqrtPriceX96", raw.InitSqrtPriceX96)
	if err != nil {
		return nil, &ConfigError{Field: "metadata.initSqrtPriceX96", Reason: err.Error()}
	}
	if price.Sign() <= 0 {
		return nil, &ConfigError{Field: "metadata.initSqrtPriceX96", Reason: "must be positive"}
	}
	if raw.Fee == nil {
		return nil, &ConfigError{Field: "metadata.fee", Reason: "missing"}
	}
	if raw.Timestamp == nil {
		return nil, &ConfigError{Field: "metadata.timestamp", Reason: "missing"}
	}
	return &PoolMetadata{
		InitSqrtPriceX96: price,
		Timestamp:        *raw.Timestamp,
		Fee:              *raw.Fee,
		LastIndexedBlock: raw.LastIndexedBlock,
		LastGlobalIndex:  raw.LastGlobalIndex,
	}, nil
}

func parseBig(name, s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("missing %s", name)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("malformed %s %q", name, s)
	}
	return v, nil
}

func parseTick(s string) (int32, error) {
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed tick %q", s)
	}
	if v < MinTick || v > MaxTick {
		return 0, fmt.Errorf("tick %d outside [%d, %d]", v, MinTick, MaxTick)
	}
	return int32(v), nil
}
