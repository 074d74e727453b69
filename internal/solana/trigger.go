package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/AnuragDani/chainsub-platform/internal/logger"
)

// LedgerRecord is the authoritative subscription view the settlement
// side serves. The scheduler never stores amounts or party addresses,
// so every trigger re-reads them from here.
type LedgerRecord struct {
	ID           string `json:"id"`
	Subscriber   string `json:"subscriber"`
	Merchant     string `json:"merchant"`
	TokenMint    string `json:"token_mint"`
	Amount       uint64 `json:"amount"`
	Status       string `json:"status"`
	PaymentsMade uint64 `json:"payments_made"`
}

// LedgerConfig is the settlement program's global config view.
type LedgerConfig struct {
	Authority    string `json:"authority"`
	FeeCollector string `json:"fee_collector"`
	FeeBps       uint16 `json:"fee_bps"`
	MinFee       uint64 `json:"min_fee"`
}

// TriggerRequest identifies what to trigger and how.
type TriggerRequest struct {
	SubscriptionID string
	ProgramID      Address
	Opcode         Opcode
}

// TriggerClient builds, signs and submits trigger transactions.
type TriggerClient struct {
	rpc      *RPCClient
	queryURL string
	http     *http.Client
	signer   Signer
	logger   *logger.Logger

	mu        sync.Mutex
	config    *LedgerConfig
	configAge time.Time
}

func NewTriggerClient(rpc *RPCClient, queryURL string, signer Signer, log *logger.Logger) *TriggerClient {
	return &TriggerClient{
		rpc:      rpc,
		queryURL: queryURL,
		http:     &http.Client{Timeout: 10 * time.Second},
		signer:   signer,
		logger:   log,
	}
}

// SendTrigger fetches the authoritative record, assembles the trigger
// instruction and submits it. Returns the transaction signature.
func (c *TriggerClient) SendTrigger(ctx context.Context, req TriggerRequest) (string, error) {
	record, err := c.fetchSubscription(ctx, req.SubscriptionID)
	if err != nil {
		return "", fmt.Errorf("failed to fetch subscription record: %w", err)
	}
	config, err := c.fetchConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch ledger config: %w", err)
	}

	subscriber, err := AddressFromBase58(record.Subscriber)
	if err != nil {
		return "", err
	}
	merchant, err := AddressFromBase58(record.Merchant)
	if err != nil {
		return "", err
	}
	feeCollector, err := AddressFromBase58(config.FeeCollector)
	if err != nil {
		return "", err
	}
	mint, err := AddressFromBase58(record.TokenMint)
	if err != nil {
		return "", err
	}

	now := time.Now().Unix()
	args := TriggerArgs{Opcode: req.Opcode, Timestamp: now}
	if req.Opcode == OpPayment {
		sigBytes, err := c.signer.Sign(PaymentMessage(req.SubscriptionID, now, record.Amount))
		if err != nil {
			return "", fmt.Errorf("failed to sign payment message: %w", err)
		}
		var sig [64]byte
		copy(sig[:], sigBytes)
		args.Signature = &sig
	}

	ix, err := BuildTriggerInstruction(TriggerAccountParams{
		ProgramID:      req.ProgramID,
		SubscriptionID: req.SubscriptionID,
		Subscriber:     subscriber,
		Merchant:       merchant,
		FeeCollector:   feeCollector,
		TokenMint:      mint,
	}, args)
	if err != nil {
		return "", fmt.Errorf("failed to build trigger instruction: %w", err)
	}

	blockhash, err := c.rpc.GetLatestBlockhash(ctx)
	if err != nil {
		return "", err
	}
	message, err := CompileMessage(c.signer.PublicKey(), ix, blockhash)
	if err != nil {
		return "", fmt.Errorf("failed to compile message: %w", err)
	}
	tx, err := SignTransaction(message, c.signer)
	if err != nil {
		return "", err
	}

	txSig, err := c.rpc.SendTransaction(ctx, tx)
	if err != nil {
		return "", err
	}

	c.logger.Info("trigger submitted",
		"subscription_id", req.SubscriptionID,
		"opcode", req.Opcode.String(),
		"tx", txSig)
	return txSig, nil
}

func (c *TriggerClient) fetchSubscription(ctx context.Context, id string) (*LedgerRecord, error) {
	var record LedgerRecord
	if err := c.getJSON(ctx, "/subscriptions/"+id, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// fetchConfig caches the ledger config briefly; the fee collector only
// moves through a week-delayed governance path.
func (c *TriggerClient) fetchConfig(ctx context.Context) (*LedgerConfig, error) {
	c.mu.Lock()
	if c.config != nil && time.Since(c.configAge) < time.Minute {
		cfg := c.config
		c.mu.Unlock()
		return cfg, nil
	}
	c.mu.Unlock()

	var config LedgerConfig
	if err := c.getJSON(ctx, "/config", &config); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.config = &config
	c.configAge = time.Now()
	c.mu.Unlock()
	return &config, nil
}

func (c *TriggerClient) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.queryURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.http.Do(req)
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
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
