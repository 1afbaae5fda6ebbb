package approvald

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"quorumpay/native/approval"
	"quorumpay/observability"
)

// LedgerClient implements approval.EscrowGateway against the escrow ledger
// JSON-RPC endpoint. Calls are never retried here.
type LedgerClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
	observe   func(op string, d time.Duration, err error)
}

var _ approval.EscrowGateway = (*LedgerClient)(nil)

// LedgerOption customises the ledger client.
type LedgerOption func(*LedgerClient)

// WithLedgerHTTPClient overrides the HTTP client.
func WithLedgerHTTPClient(client *http.Client) LedgerOption {
	return func(c *LedgerClient) {
		if client != nil {
			c.http = client
		}
	}
}

// WithLedgerObserver replaces the latency observer, which defaults to the
// Prometheus gateway histogram.
func WithLedgerObserver(fn func(op string, d time.Duration, err error)) LedgerOption {
	return func(c *LedgerClient) {
		if fn != nil {
			c.observe = fn
		}
	}
}

// NewLedgerClient builds a client for baseURL. timeout bounds each round trip.
func NewLedgerClient(baseURL, authToken string, timeout time.Duration, opts ...LedgerOption) *LedgerClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &LedgerClient{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		observe: observability.Approvals().ObserveGateway,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// RPCError is the error object returned by the ledger.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("ledger rpc error %d: %s", e.Code, e.Message)
}

type escrowCreateResult struct {
	EscrowRef string `json:"escrowRef"`
	Deadline  int64  `json:"deadline"`
}

type escrowSettleResult struct {
	TxHash string `json:"txHash"`
	Result string `json:"result"`
}

// Create escrows amount on the ledger with a release window of delay, rounded
// up to whole seconds.
func (c *LedgerClient) Create(ctx context.Context, amount int64, delay time.Duration) (approval.EscrowHandle, error) {
	seconds := int64((delay + time.Second - 1) / time.Second)
	params := map[string]interface{}{
		"amount":       amount,
		"delaySeconds": seconds,
	}
	var result escrowCreateResult
	if err := c.call(ctx, "create", "escrow_create", params, &result); err != nil {
		return approval.EscrowHandle{}, err
	}
	if strings.TrimSpace(result.EscrowRef) == "" {
		return approval.EscrowHandle{}, &approval.GatewayError{Op: "create", Reason: "ledger returned empty escrow reference"}
	}
	handle := approval.EscrowHandle{Ref: result.EscrowRef}
	if result.Deadline > 0 {
		handle.Deadline = time.Unix(result.Deadline, 0).UTC()
	}
	return handle, nil
}

// Finish releases the escrow to its recipient.
func (c *LedgerClient) Finish(ctx context.Context, escrowRef string) (approval.LedgerResult, error) {
	return c.settle(ctx, "finish", "escrow_finish", escrowRef)
}

// Cancel returns the escrowed funds to the sender.
func (c *LedgerClient) Cancel(ctx context.Context, escrowRef string) (approval.LedgerResult, error) {
	return c.settle(ctx, "cancel", "escrow_cancel", escrowRef)
}

func (c *LedgerClient) settle(ctx context.Context, op, method, escrowRef string) (approval.LedgerResult, error) {
	var result escrowSettleResult
	if err := c.call(ctx, op, method, map[string]string{"escrowRef": escrowRef}, &result); err != nil {
		return approval.LedgerResult{}, err
	}
	return approval.LedgerResult{TxHash: result.TxHash, Result: result.Result}, nil
}

func (c *LedgerClient) call(ctx context.Context, op, method string, params interface{}, out interface{}) (err error) {
	start := time.Now()
	defer func() { c.observe(op, time.Since(start), err) }()

	if err := c.roundTrip(ctx, method, params, out); err != nil {
		var typed *approval.GatewayError
		if errors.As(err, &typed) {
			return err
		}
		reason := err.Error()
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			reason = rpcErr.Message
		}
		return &approval.GatewayError{Op: op, Reason: reason, Err: err}
	}
	return nil
}

func (c *LedgerClient) roundTrip(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	bodyStruct := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  []interface{}{params},
		ID:      id,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ledger rpc %s failed: status=%d body=%s", method, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode ledger response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return errors.New("ledger rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
