// Package rpc provides JSON-RPC client functionality with retry logic.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Client is the interface for JSON-RPC communication with an execution node.
type Client interface {
	// Call makes a JSON-RPC call.
	Call(ctx context.Context, method string, params []any) (json.RawMessage, error)

	// BatchCall makes multiple JSON-RPC calls in a single HTTP request.
	BatchCall(ctx context.Context, calls []BatchRequest) ([]BatchResponse, error)

	// SendRawTransaction sends a signed transaction and returns its hash.
	SendRawTransaction(ctx context.Context, txRLP []byte) (common.Hash, error)

	// SendUnsignedTransaction submits a transaction the node executes without a signature.
	// method is node specific (eth_sendUnsignedTransaction on anvil).
	SendUnsignedTransaction(ctx context.Context, method string, msg CallMsg) (common.Hash, error)

	// EthCall executes a read-only call against the latest block.
	EthCall(ctx context.Context, msg CallMsg) ([]byte, error)

	// GetNonce fetches the pending nonce for an address.
	GetNonce(ctx context.Context, address common.Address) (uint64, error)

	// GetChainID returns the chain ID used for signing.
	GetChainID(ctx context.Context) (*big.Int, error)

	// GetBlockNumber returns the latest block number.
	GetBlockNumber(ctx context.Context) (uint64, error)

	// GetGasPrice returns the current gas price from the node.
	GetGasPrice(ctx context.Context) (*big.Int, error)

	// GetTransactionReceipt returns the receipt for a transaction, or nil if not yet mined.
	GetTransactionReceipt(ctx context.Context, txHash common.Hash) (*TransactionReceipt, error)

	// GetTransactionReceiptsBatch fetches multiple receipts in a single request.
	GetTransactionReceiptsBatch(ctx context.Context, txHashes []common.Hash) ([]*TransactionReceipt, error)
}

// Log is a single event emitted during transaction execution.
type Log struct {
	Address common.Address
	Topics  []common.Hash
	Data    []byte
}

// TransactionReceipt represents an Ethereum transaction receipt.
type TransactionReceipt struct {
	TxHash            common.Hash
	Status            uint64 // 1 = success, 0 = failure
	GasUsed           uint64
	ContractAddress   string
	BlockNumber       uint64
	EffectiveGasPrice *big.Int
	Logs              []Log
}

// Succeeded reports whether the transaction executed without reverting.
func (r *TransactionReceipt) Succeeded() bool {
	return r != nil && r.Status == 1
}

// CallMsg describes a call or an unsigned transaction.
type CallMsg struct {
	From     common.Address
	To       common.Address
	Data     []byte
	Gas      uint64
	GasPrice *big.Int
}

// Arg renders the message as a JSON-RPC transaction object.
func (m CallMsg) Arg() map[string]any {
	arg := map[string]any{
		"to":   m.To.Hex(),
		"data": hexutil.Encode(m.Data),
	}
	if m.From != (common.Address{}) {
		arg["from"] = m.From.Hex()
	}
	if m.Gas != 0 {
		arg["gas"] = hexutil.EncodeUint64(m.Gas)
	}
	if m.GasPrice != nil {
		arg["gasPrice"] = hexutil.EncodeBig(m.GasPrice)
	}
	return arg
}

// JSONRPCRequest represents a JSON-RPC request.
type JSONRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
	ID      int             `json:"id"`
}

// JSONRPCError represents a JSON-RPC error.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// BatchRequest represents a single request in a batch.
type BatchRequest struct {
	Method string
	Params []any
}

// BatchResponse represents a single response in a batch.
type BatchResponse struct {
	Result json.RawMessage
	Error  error
}

// ClientConfig holds configuration for the RPC client.
type ClientConfig struct {
	URL            string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
}

// DefaultClientConfig returns default configuration.
// The timeout is generous because evm_mine on a block carrying thousands of
// swaps can take several seconds on a dev node.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:            url,
		Timeout:        30 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// HTTPClient implements Client using HTTP.
type HTTPClient struct {
	url        string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
}

// NewHTTPClient creates a new HTTP-based RPC client.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPClient{
		url: cfg.URL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.InitialBackoff,
		maxBackoff: cfg.MaxBackoff,
		logger:     logger,
	}
}

// Call makes a JSON-RPC call with retry logic.
func (c *HTTPClient) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var result json.RawMessage
	err = c.withRetry(ctx, method, func() error {
		raw, err := c.post(ctx, body)
		if err != nil {
			return err
		}
		var rpcResp JSONRPCResponse
		if err := json.Unmarshal(raw, &rpcResp); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
		if rpcResp.Error != nil {
			return &RPCError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
		}
		result = rpcResp.Result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// BatchCall makes multiple JSON-RPC calls in a single HTTP request.
// Results are returned in the same order as the input calls.
// Individual call errors are returned in BatchResponse.Error.
func (c *HTTPClient) BatchCall(ctx context.Context, calls []BatchRequest) ([]BatchResponse, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	reqs := make([]JSONRPCRequest, len(calls))
	for i, call := range calls {
		params := call.Params
		if params == nil {
			params = []any{}
		}
		reqs[i] = JSONRPCRequest{
			JSONRPC: "2.0",
			Method:  call.Method,
			Params:  params,
			ID:      i + 1, // 1-indexed IDs for easier debugging
		}
	}

	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch request: %w", err)
	}

	var results []BatchResponse
	err = c.withRetry(ctx, "batch", func() error {
		raw, err := c.post(ctx, body)
		if err != nil {
			return err
		}
		results, err = decodeBatch(raw, len(calls))
		return err
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// withRetry runs fn until it succeeds, returns a non-retryable error, or
// exhausts the retry budget.
func (c *HTTPClient) withRetry(ctx context.Context, method string, fn func() error) error {
	var lastErr error
	backoff := c.backoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.maxBackoff)
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if isRetryableHTTPError(err) {
			backoff = getRetryDelay(err, backoff)
			c.logger.Debug("RPC got retryable HTTP error, retrying",
				slog.String("method", method),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			continue
		}

		// Application-level errors are final.
		if isRPCError(err) || isStatusError(err) {
			return err
		}

		c.logger.Debug("RPC call failed, retrying",
			slog.String("method", method),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return fmt.Errorf("all retries failed: %w", lastErr)
}

func (c *HTTPClient) post(ctx context.Context, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// Check HTTP status code BEFORE reading/parsing body
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		var retryAfter time.Duration
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.ParseFloat(ra, 64); err == nil {
				retryAfter = time.Duration(secs * float64(time.Second))
			}
		}
		return nil, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter,
			Body:       string(errBody),
		}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return respBody, nil
}

func decodeBatch(raw []byte, expectedCount int) ([]BatchResponse, error) {
	var rpcResps []JSONRPCResponse
	if err := json.Unmarshal(raw, &rpcResps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch response: %w", err)
	}

	respMap := make(map[int]*JSONRPCResponse, len(rpcResps))
	for i := range rpcResps {
		respMap[rpcResps[i].ID] = &rpcResps[i]
	}

	results := make([]BatchResponse, expectedCount)
	for i := range expectedCount {
		rpcResp, ok := respMap[i+1]
		if !ok {
			results[i] = BatchResponse{Error: fmt.Errorf("missing response for request %d", i+1)}
			continue
		}
		if rpcResp.Error != nil {
			results[i] = BatchResponse{Error: &RPCError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}}
			continue
		}
		results[i] = BatchResponse{Result: rpcResp.Result}
	}
	return results, nil
}

// RPCError is an RPC-specific error.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

func isRPCError(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr)
}

// HTTPStatusError represents an HTTP-level error (non-2xx status).
type HTTPStatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s (body: %s)", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsRetryable returns true if this HTTP error should be retried.
func (e *HTTPStatusError) IsRetryable() bool {
	// 429 Too Many Requests, 502 Bad Gateway, 503 Service Unavailable, 504 Gateway Timeout
	return e.StatusCode == 429 || e.StatusCode == 502 ||
		e.StatusCode == 503 || e.StatusCode == 504
}

func isStatusError(err error) bool {
	var httpErr *HTTPStatusError
	return errors.As(err, &httpErr)
}

func isRetryableHTTPError(err error) bool {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return httpErr.IsRetryable()
	}
	return false
}

func getRetryDelay(err error, defaultBackoff time.Duration) time.Duration {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
		return httpErr.RetryAfter
	}
	return defaultBackoff
}

// SendRawTransaction sends a signed transaction.
func (c *HTTPClient) SendRawTransaction(ctx context.Context, txRLP []byte) (common.Hash, error) {
	result, err := c.Call(ctx, "eth_sendRawTransaction", []any{hexutil.Encode(txRLP)})
	if err != nil {
		return common.Hash{}, err
	}
	return decodeHash(result)
}

// SendUnsignedTransaction submits msg through a node-specific unsigned send method.
func (c *HTTPClient) SendUnsignedTransaction(ctx context.Context, method string, msg CallMsg) (common.Hash, error) {
	result, err := c.Call(ctx, method, []any{msg.Arg()})
	if err != nil {
		return common.Hash{}, err
	}
	return decodeHash(result)
}

// EthCall executes a read-only call against the latest block.
func (c *HTTPClient) EthCall(ctx context.Context, msg CallMsg) ([]byte, error) {
	result, err := c.Call(ctx, "eth_call", []any{msg.Arg(), "latest"})
	if err != nil {
		return nil, err
	}
	var out hexutil.Bytes
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call result: %w", err)
	}
	return out, nil
}

// GetNonce fetches the pending nonce for an address.
func (c *HTTPClient) GetNonce(ctx context.Context, address common.Address) (uint64, error) {
	result, err := c.Call(ctx, "eth_getTransactionCount", []any{address.Hex(), "pending"})
	if err != nil {
		return 0, err
	}
	return decodeUint64(result, "nonce")
}

// GetChainID returns the chain ID.
func (c *HTTPClient) GetChainID(ctx context.Context) (*big.Int, error) {
	result, err := c.Call(ctx, "eth_chainId", nil)
	if err != nil {
		return nil, err
	}
	return decodeBig(result, "chain id")
}

// GetBlockNumber returns the latest block number.
func (c *HTTPClient) GetBlockNumber(ctx context.Context) (uint64, error) {
	result, err := c.Call(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, err
	}
	return decodeUint64(result, "block number")
}

// GetGasPrice returns the current gas price from the node.
func (c *HTTPClient) GetGasPrice(ctx context.Context) (*big.Int, error) {
	result, err := c.Call(ctx, "eth_gasPrice", nil)
	if err != nil {
		return nil, err
	}
	return decodeBig(result, "gas price")
}

// GetTransactionReceipt returns the receipt for a transaction.
func (c *HTTPClient) GetTransactionReceipt(ctx context.Context, txHash common.Hash) (*TransactionReceipt, error) {
	result, err := c.Call(ctx, "eth_getTransactionReceipt", []any{txHash.Hex()})
	if err != nil {
		return nil, err
	}
	if string(result) == "null" {
		return nil, nil // Not found yet
	}
	return ParseReceipt(result)
}

// GetTransactionReceiptsBatch fetches multiple transaction receipts in a single request.
// Returns receipts in the same order as txHashes. nil entries indicate receipts not found or errors.
func (c *HTTPClient) GetTransactionReceiptsBatch(ctx context.Context, txHashes []common.Hash) ([]*TransactionReceipt, error) {
	if len(txHashes) == 0 {
		return nil, nil
	}

	calls := make([]BatchRequest, len(txHashes))
	for i, hash := range txHashes {
		calls[i] = BatchRequest{
			Method: "eth_getTransactionReceipt",
			Params: []any{hash.Hex()},
		}
	}

	responses, err := c.BatchCall(ctx, calls)
	if err != nil {
		return nil, fmt.Errorf("batch call failed: %w", err)
	}

	receipts := make([]*TransactionReceipt, len(txHashes))
	for i, resp := range responses {
		if resp.Error != nil {
			c.logger.Debug("batch receipt fetch error", "txHash", txHashes[i].Hex(), "error", resp.Error)
			continue
		}
		if string(resp.Result) == "null" {
			continue
		}
		receipt, err := ParseReceipt(resp.Result)
		if err != nil {
			c.logger.Debug("failed to parse receipt", "txHash", txHashes[i].Hex(), "error", err)
			continue
		}
		receipts[i] = receipt
	}

	return receipts, nil
}

// ParseReceipt decodes a TransactionReceipt including its logs.
func ParseReceipt(data json.RawMessage) (*TransactionReceipt, error) {
	var rawReceipt struct {
		TransactionHash   common.Hash `json:"transactionHash"`
		Status            string      `json:"status"`
		GasUsed           string      `json:"gasUsed"`
		ContractAddress   string      `json:"contractAddress"`
		BlockNumber       string      `json:"blockNumber"`
		EffectiveGasPrice string      `json:"effectiveGasPrice"`
		Logs              []struct {
			Address common.Address `json:"address"`
			Topics  []common.Hash  `json:"topics"`
			Data    hexutil.Bytes  `json:"data"`
		} `json:"logs"`
	}
	if err := json.Unmarshal(data, &rawReceipt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal receipt: %w", err)
	}

	status, _ := hexutil.DecodeUint64(rawReceipt.Status)
	gasUsed, _ := hexutil.DecodeUint64(rawReceipt.GasUsed)
	blockNumber, _ := hexutil.DecodeUint64(rawReceipt.BlockNumber)
	var effectiveGasPrice *big.Int
	if rawReceipt.EffectiveGasPrice != "" {
		effectiveGasPrice, _ = hexutil.DecodeBig(rawReceipt.EffectiveGasPrice)
	}

	logs := make([]Log, len(rawReceipt.Logs))
	for i, l := range rawReceipt.Logs {
		logs[i] = Log{Address: l.Address, Topics: l.Topics, Data: l.Data}
	}

	return &TransactionReceipt{
		TxHash:            rawReceipt.TransactionHash,
		Status:            status,
		GasUsed:           gasUsed,
		ContractAddress:   rawReceipt.ContractAddress,
		BlockNumber:       blockNumber,
		EffectiveGasPrice: effectiveGasPrice,
		Logs:              logs,
	}, nil
}

// ErrReceiptTimeout is returned by WaitForReceipt when no receipt appears in time.
var ErrReceiptTimeout = errors.New("timed out waiting for receipt")

// WaitForReceipt polls for a receipt until it is available or timeout elapses.
func WaitForReceipt(ctx context.Context, client Client, txHash common.Hash, interval, timeout time.Duration) (*TransactionReceipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := client.GetTransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, txHash.Hex())
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func decodeHash(result json.RawMessage) (common.Hash, error) {
	var hash common.Hash
	if err := json.Unmarshal(result, &hash); err != nil {
		return common.Hash{}, fmt.Errorf("failed to unmarshal tx hash: %w", err)
	}
	return hash, nil
}

func decodeUint64(result json.RawMessage, what string) (uint64, error) {
	var s string
	if err := json.Unmarshal(result, &s); err != nil {
		return 0, fmt.Errorf("failed to unmarshal %s: %w", what, err)
	}
	v, err := hexutil.DecodeUint64(s)
	if err != nil {
		return 0, fmt.Errorf("failed to decode %s: %w", what, err)
	}
	return v, nil
}

func decodeBig(result json.RawMessage, what string) (*big.Int, error) {
	var s string
	if err := json.Unmarshal(result, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", what, err)
	}
	v, err := hexutil.DecodeBig(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", what, err)
	}
	return v, nil
}
