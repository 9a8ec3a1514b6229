package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
)

// Head is a block header received from a newHeads subscription.
type Head struct {
	Number    uint64
	Hash      common.Hash
	GasUsed   uint64
	GasLimit  uint64
	Timestamp uint64
}

// HeadStats aggregates the heads seen so far.
type HeadStats struct {
	Blocks     int    `json:"blocks"`
	GasUsed    uint64 `json:"gasUsed"`
	FirstBlock uint64 `json:"firstBlock"`
	LastBlock  uint64 `json:"lastBlock"`
	// LastTimestamp is the latest head's block timestamp.
	LastTimestamp uint64 `json:"lastTimestamp"`
}

// HeadWatcher follows new blocks over a websocket subscription.
type HeadWatcher struct {
	url    string
	onHead func(Head)
	logger *slog.Logger

	mu    sync.Mutex
	stats HeadStats
}

// NewHeadWatcher creates a watcher for the websocket endpoint url. onHead,
// when set, is called for every head from the reading goroutine.
func NewHeadWatcher(url string, onHead func(Head), logger *slog.Logger) *HeadWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &HeadWatcher{url: url, onHead: onHead, logger: logger}
}

// Stats returns a snapshot of the aggregated heads.
func (w *HeadWatcher) Stats() HeadStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

type wsMessage struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Method string `json:"method"`
	Params struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

type rawHead struct {
	Number    hexutil.Uint64 `json:"number"`
	Hash      common.Hash    `json:"hash"`
	GasUsed   hexutil.Uint64 `json:"gasUsed"`
	GasLimit  hexutil.Uint64 `json:"gasLimit"`
	Timestamp hexutil.Uint64 `json:"timestamp"`
}

// Run subscribes and consumes heads until ctx is cancelled, which returns nil.
func (w *HeadWatcher) Run(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.url, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	sub := map[string]any{"jsonrpc": "2.0", "id": 1, "method": "eth_subscribe", "params": []any{"newHeads"}}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	var subID string
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		switch {
		case msg.ID == 1 && msg.Error != nil:
			return fmt.Errorf("subscribe: %s (code %d)", msg.Error.Message, msg.Error.Code)
		case msg.ID == 1:
			if err := json.Unmarshal(msg.Result, &subID); err != nil {
				return fmt.Errorf("subscribe: decode id: %w", err)
			}
			w.logger.Debug("newHeads subscribed", slog.String("subscription", subID))
		case msg.Method == "eth_subscription" && msg.Params.Subscription == subID:
			head, err := decodeHead(msg.Params.Result)
			if err != nil {
				w.logger.Debug("skipping malformed head", slog.String("error", err.Error()))
				continue
			}
			w.add(head)
		}
	}
}

func decodeHead(data json.RawMessage) (Head, error) {
	var raw rawHead
	if err := json.Unmarshal(data, &raw); err != nil {
		return Head{}, err
	}
	if raw.Hash == (common.Hash{}) {
		return Head{}, errors.New("head without hash")
	}
	return Head{
		Number:    uint64(raw.Number),
		Hash:      raw.Hash,
		GasUsed:   uint64(raw.GasUsed),
		GasLimit:  uint64(raw.GasLimit),
		Timestamp: uint64(raw.Timestamp),
	}, nil
}

func (w *HeadWatcher) add(h Head) {
	w.mu.Lock()
	if w.stats.Blocks == 0 {
		w.stats.FirstBlock = h.Number
	}
	w.stats.Blocks++
	w.stats.GasUsed += h.GasUsed
	w.stats.LastBlock = h.Number
	w.stats.LastTimestamp = h.Timestamp
	w.mu.Unlock()

	w.logger.Debug("new head",
		slog.Uint64("number", h.Number),
		slog.Uint64("gasUsed", h.GasUsed),
	)
	if w.onHead != nil {
		w.onHead(h)
	}
}
