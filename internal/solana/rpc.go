package solana

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mr-tron/base58"
	"golang.org/x/time/rate"
)

// RPCClient talks JSON-RPC to a settlement-chain node. Outbound calls
// are throttled so a hot reschedule loop cannot hammer the node.
type RPCClient struct {
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewRPCClient creates a client capped at maxRPS requests per second.
func NewRPCClient(endpoint string, timeout time.Duration, maxRPS int) *RPCClient {
	if maxRPS <= 0 {
		maxRPS = 10
	}
	return &RPCClient{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(maxRPS), maxRPS),
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *RPCClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}

	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	return nil
}

// SendTransaction submits a signed transaction and returns its
// base58-encoded signature.
func (c *RPCClient) SendTransaction(ctx context.Context, tx []byte) (string, error) {
	encoded := base64.StdEncoding.EncodeToString(tx)
	var signature string
	err := c.call(ctx, "sendTransaction", []interface{}{encoded, map[string]string{"encoding": "base64"}}, &signature)
	if err != nil {
		return "", fmt.Errorf("sendTransaction failed: %w", err)
	}
	return signature, nil
}

// GetLatestBlockhash fetches the recent blockhash for message assembly.
func (c *RPCClient) GetLatestBlockhash(ctx context.Context) ([32]byte, error) {
	var result struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	var hash [32]byte
	if err := c.call(ctx, "getLatestBlockhash", nil, &result); err != nil {
		return hash, fmt.Errorf("getLatestBlockhash failed: %w", err)
	}
	decoded, err := base58.Decode(result.Value.Blockhash)
	if err != nil || len(decoded) != 32 {
		return hash, fmt.Errorf("invalid blockhash %q", result.Value.Blockhash)
	}
	copy(hash[:], decoded)
	return hash, nil
}

// GetBalance returns an account's native balance in lamports.
func (c *RPCClient) GetBalance(ctx context.Context, addr Address) (uint64, error) {
	var result struct {
		Value uint64 `json:"value"`
	}
	if err := c.call(ctx, "getBalance", []interface{}{addr.String()}, &result); err != nil {
		return 0, fmt.Errorf("getBalance failed: %w", err)
	}
	return result.Value, nil
}

// Health probes the node.
func (c *RPCClient) Health(ctx context.Context) error {
	var status string
	if err := c.call(ctx, "getHealth", nil, &status); err != nil {
		return err
	}
	if status != "ok" {
		return fmt.Errorf("node unhealthy: %s", status)
	}
	return nil
}
