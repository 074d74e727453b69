package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mr-tron/base58"

	"github.com/AnuragDani/chainsub-platform/internal/ledger"
	"github.com/AnuragDani/chainsub-platform/internal/solana"
)

// Routes wires the JSON-RPC entry point and the account query surface.
func (s *Simulator) Routes(r *mux.Router) {
	// JSON-RPC, the same surface a settlement node exposes.
	r.HandleFunc("/", s.HandleRPC).Methods("POST")

	r.HandleFunc("/health", s.HealthCheck).Methods("GET")
	r.HandleFunc("/stats", s.GetStats).Methods("GET")

	// Account creation and queries
	r.HandleFunc("/subscriptions", s.CreateSubscription).Methods("POST")
	r.HandleFunc("/subscriptions/{id}", s.GetSubscription).Methods("GET")
	r.HandleFunc("/subscriptions/{id}/pause", s.lifecycle(s.ledger.Pause)).Methods("POST")
	r.HandleFunc("/subscriptions/{id}/resume", s.lifecycle(s.ledger.Resume)).Methods("POST")
	r.HandleFunc("/subscriptions/{id}/cancel", s.lifecycle(s.ledger.Cancel)).Methods("POST")
	r.HandleFunc("/subscriptions/{id}/revoke-delegate", s.lifecycle(s.ledger.RevokeDelegate)).Methods("POST")
	r.HandleFunc("/subscriptions/{id}/pay", s.ManualPayment).Methods("POST")
	r.HandleFunc("/config", s.GetConfig).Methods("GET")
	r.HandleFunc("/token-accounts/{address}", s.GetTokenAccount).Methods("GET")
	r.HandleFunc("/memos", s.ListMemos).Methods("GET")
	r.HandleFunc("/receipts", s.ListReceipts).Methods("GET")

	// Test and operator conveniences
	r.HandleFunc("/faucet", s.Faucet).Methods("POST")
	r.HandleFunc("/admin/fee-collector", s.SetFeeCollector).Methods("POST")
	r.HandleFunc("/admin/pause", s.AdminPause).Methods("POST")
	r.HandleFunc("/admin/resume", s.AdminResume).Methods("POST")
	r.HandleFunc("/admin/authorization-mode", s.SetAuthorizationMode).Methods("POST")
}

// ---- JSON-RPC ----

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      interface{}       `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      interface{}   `json:"id"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *rpcErrorBody `json:"error,omitempty"`
}

func (s *Simulator) HandleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", Error: &rpcErrorBody{Code: -32700, Message: "parse error"}})
		return
	}

	var (
		result interface{}
		err    error
	)
	switch req.Method {
	case "sendTransaction":
		result, err = s.sendTransaction(req.Params)
	case "getLatestBlockhash":
		result = s.latestBlockhash()
	case "getBalance":
		result, err = s.getBalance(req.Params)
	case "getHealth":
		result = "ok"
	default:
		err = errors.New("method not found: " + req.Method)
	}

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if err != nil {
		resp.Error = &rpcErrorBody{Code: -32000, Message: err.Error()}
	} else {
		resp.Result = result
	}
	respondJSON(w, http.StatusOK, resp)
}

// sendTransaction decodes a wire transaction, verifies the fee payer's
// signature, recovers the trigger instruction and applies it to the
// ledger. This mirrors what the on-chain entry point does.
func (s *Simulator) sendTransaction(params []json.RawMessage) (string, error) {
	s.mu.Lock()
	s.stats.TransactionsReceived++
	s.mu.Unlock()

	if len(params) == 0 {
		return "", errors.New("missing transaction parameter")
	}
	var encoded string
	if err := json.Unmarshal(params[0], &encoded); err != nil {
		return "", errors.New("transaction must be a base64 string")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errors.New("invalid base64 transaction")
	}

	tx, msg, err := solana.DecodeTransaction(raw)
	if err != nil {
		return "", s.reject(err)
	}
	if len(tx.Signatures) == 0 || len(msg.AccountKeys) == 0 {
		return "", s.reject(errors.New("transaction carries no signatures"))
	}

	payer := msg.AccountKeys[0]
	if !ed25519.Verify(ed25519.PublicKey(payer[:]), tx.Message, tx.Signatures[0][:]) {
		return "", s.reject(errors.New("fee payer signature verification failed"))
	}
	if msg.ProgramID != s.programID {
		return "", s.reject(errors.New("unknown program id " + msg.ProgramID.String()))
	}

	disc := solana.TriggerDiscriminator()
	if len(msg.Data) < 8 || !bytes.Equal(msg.Data[:8], disc[:]) {
		return "", s.reject(errors.New("unknown instruction discriminator"))
	}
	args, err := solana.DecodeTriggerArgs(msg.Data[8:])
	if err != nil {
		return "", s.reject(err)
	}

	if len(msg.Accounts) <= solana.TriggerAccSubscription {
		return "", s.reject(errors.New("trigger instruction missing accounts"))
	}
	s.mu.Lock()
	subID, ok := s.pdaIndex[msg.Accounts[solana.TriggerAccSubscription]]
	s.mu.Unlock()
	if !ok {
		return "", s.reject(errors.New("subscription account not found"))
	}

	result, err := s.ledger.ProcessTrigger(ledger.TriggerRequest{
		SubscriptionID: subID,
		Opcode:         args.Opcode,
		Signature:      args.Signature,
		Timestamp:      args.Timestamp,
		Caller:         payer,
	})
	if err != nil {
		return "", s.reject(err)
	}

	s.mu.Lock()
	switch args.Opcode {
	case solana.OpPayment:
		s.stats.PaymentsProcessed++
		s.feeLamports[s.feeCollector] += s.triggerFee
	case solana.OpNotification:
		s.stats.NotificationsSent++
	}
	s.mu.Unlock()

	s.logger.Info("trigger applied",
		"subscription_id", subID,
		"opcode", result.Opcode.String(),
		"caller", payer.String())

	// A transaction's identity is its first signature.
	return base58.Encode(tx.Signatures[0][:]), nil
}

func (s *Simulator) reject(err error) error {
	s.mu.Lock()
	s.stats.TriggersRejected++
	s.mu.Unlock()
	return err
}

func (s *Simulator) latestBlockhash() interface{} {
	hash := make([]byte, 32)
	rand.Read(hash)
	return map[string]interface{}{
		"context": map[string]interface{}{"slot": time.Now().UnixNano()},
		"value":   map[string]string{"blockhash": base58.Encode(hash)},
	}
}

func (s *Simulator) getBalance(params []json.RawMessage) (interface{}, error) {
	if len(params) == 0 {
		return nil, errors.New("missing address parameter")
	}
	var addrStr string
	if err := json.Unmarshal(params[0], &addrStr); err != nil {
		return nil, errors.New("address must be a string")
	}
	addr, err := solana.AddressFromBase58(addrStr)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	lamports := s.feeLamports[addr]
	s.mu.Unlock()
	return map[string]interface{}{"value": lamports}, nil
}

// ---- REST ----

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message, code string) {
	respondJSON(w, status, ErrorResponse{Error: message, Code: code})
}

func (s *Simulator) respondLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrSubscriptionNotFound):
		respondError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
	case errors.Is(err, ledger.ErrSubscriptionExists):
		respondError(w, http.StatusConflict, err.Error(), "ALREADY_EXISTS")
	case errors.Is(err, ledger.ErrUnauthorized):
		respondError(w, http.StatusForbidden, err.Error(), "UNAUTHORIZED")
	case errors.Is(err, ledger.ErrProgramPaused):
		respondError(w, http.StatusServiceUnavailable, err.Error(), "PROGRAM_PAUSED")
	case errors.Is(err, ledger.ErrPaymentNotDue):
		respondError(w, http.StatusConflict, err.Error(), "PAYMENT_NOT_DUE")
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientDelegation),
		errors.Is(err, ledger.ErrDelegateNotSet):
		respondError(w, http.StatusPaymentRequired, err.Error(), "PAYMENT_BLOCKED")
	case errors.Is(err, ledger.ErrInvalidSubscriptionID),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidInterval),
		errors.Is(err, ledger.ErrInvalidMerchantName),
		errors.Is(err, ledger.ErrInvalidReminderDays):
		respondError(w, http.StatusBadRequest, err.Error(), "VALIDATION_FAILED")
	case errors.Is(err, ledger.ErrSubscriptionNotActive),
		errors.Is(err, ledger.ErrSubscriptionNotPaused),
		errors.Is(err, ledger.ErrAlreadyCancelled):
		respondError(w, http.StatusConflict, err.Error(), "INVALID_STATE")
	default:
		respondError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
	}
}

// subscriptionView is the JSON shape served to the trigger engine.
type subscriptionView struct {
	ID              string `json:"id"`
	Subscriber      string `json:"subscriber"`
	Merchant        string `json:"merchant"`
	MerchantName    string `json:"merchant_name"`
	TokenMint       string `json:"token_mint"`
	Amount          uint64 `json:"amount"`
	IntervalSeconds int64  `json:"interval_seconds"`
	ReminderDays    uint32 `json:"reminder_days"`
	Status          string `json:"status"`
	NextPaymentTime int64  `json:"next_payment_time"`
	PaymentsMade    uint64 `json:"payments_made"`
	TotalPaid       uint64 `json:"total_paid"`
	LastPaymentTime *int64 `json:"last_payment_time,omitempty"`
	Delegate        string `json:"delegate"`
	CreatedAt       int64  `json:"created_at"`
}

func viewOf(acc *ledger.Account) subscriptionView {
	return subscriptionView{
		ID:              acc.ID,
		Subscriber:      acc.Subscriber.String(),
		Merchant:        acc.Merchant.String(),
		MerchantName:    acc.MerchantName,
		TokenMint:       acc.TokenMint.String(),
		Amount:          acc.Amount,
		IntervalSeconds: acc.IntervalSeconds,
		ReminderDays:    acc.ReminderDays,
		Status:          acc.Status,
		NextPaymentTime: acc.NextPaymentTime,
		PaymentsMade:    acc.PaymentsMade,
		TotalPaid:       acc.TotalPaid,
		LastPaymentTime: acc.LastPaymentTime,
		Delegate:        acc.Delegate.String(),
		CreatedAt:       acc.CreatedAt,
	}
}

// HealthCheck handles GET /health
func (s *Simulator) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"service": "settlement-simulator",
		"status":  "healthy",
		"uptime":  time.Since(s.startedAt).String(),
	})
}

// GetStats handles GET /stats
func (s *Simulator) GetStats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	stats := s.stats
	s.mu.Unlock()
	respondJSON(w, http.StatusOK, stats)
}

type createSubscriptionRequest struct {
	ID              string `json:"id"`
	Subscriber      string `json:"subscriber"`
	Merchant        string `json:"merchant"`
	MerchantName    string `json:"merchant_name"`
	TokenMint       string `json:"token_mint"`
	Amount          uint64 `json:"amount"`
	IntervalSeconds int64  `json:"interval_seconds"`
	ReminderDays    uint32 `json:"reminder_days"`
	StartTime       *int64 `json:"start_time,omitempty"`
}

// CreateSubscription handles POST /subscriptions
func (s *Simulator) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON body", "INVALID_BODY")
		return
	}

	subscriber, err := solana.AddressFromBase58(req.Subscriber)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid subscriber address", "INVALID_ADDRESS")
		return
	}
	merchant, err := solana.AddressFromBase58(req.Merchant)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid merchant address", "INVALID_ADDRESS")
		return
	}
	mint, err := solana.AddressFromBase58(req.TokenMint)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid token mint", "INVALID_ADDRESS")
		return
	}

	acc, err := s.ledger.CreateSubscription(ledger.CreateSubscriptionParams{
		ID:              req.ID,
		Subscriber:      subscriber,
		Merchant:        merchant,
		MerchantName:    req.MerchantName,
		TokenMint:       mint,
		Amount:          req.Amount,
		IntervalSeconds: req.IntervalSeconds,
		ReminderDays:    req.ReminderDays,
		StartTime:       req.StartTime,
	})
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}

	pda, _, err := solana.FindSubscriptionAddress(acc.ID, s.programID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to derive subscription address", "INTERNAL_ERROR")
		return
	}
	s.mu.Lock()
	s.pdaIndex[pda] = acc.ID
	s.mu.Unlock()

	respondJSON(w, http.StatusCreated, viewOf(acc))
}

// GetSubscription handles GET /subscriptions/{id}
func (s *Simulator) GetSubscription(w http.ResponseWriter, r *http.Request) {
	acc, err := s.ledger.GetSubscription(mux.Vars(r)["id"])
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(acc))
}

// lifecycle adapts a caller-gated ledger operation into a handler. The
// caller's address arrives in the X-Caller-Address header, standing in
// for the transaction signer.
func (s *Simulator) lifecycle(op func(string, solana.Address) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := solana.AddressFromBase58(r.Header.Get("X-Caller-Address"))
		if err != nil {
			respondError(w, http.StatusBadRequest, "X-Caller-Address header required", "MISSING_CALLER")
			return
		}
		id := mux.Vars(r)["id"]
		if err := op(id, caller); err != nil {
			s.respondLedgerError(w, err)
			return
		}
		acc, err := s.ledger.GetSubscription(id)
		if err != nil {
			s.respondLedgerError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, viewOf(acc))
	}
}

// ManualPayment handles POST /subscriptions/{id}/pay
func (s *Simulator) ManualPayment(w http.ResponseWriter, r *http.Request) {
	caller, err := solana.AddressFromBase58(r.Header.Get("X-Caller-Address"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "X-Caller-Address header required", "MISSING_CALLER")
		return
	}
	result, err := s.ledger.ProcessManualPayment(mux.Vars(r)["id"], caller)
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// GetConfig handles GET /config
func (s *Simulator) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.ledger.GetConfig()
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}

	feeCollector := ""
	if cfg.FeeCollector != nil {
		feeCollector = cfg.FeeCollector.String()
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"authority":          cfg.Authority.String(),
		"fee_collector":      feeCollector,
		"fee_bps":            cfg.FeeBps,
		"min_fee":            cfg.MinFee,
		"mode":               string(cfg.Mode),
		"manual_enabled":     cfg.ManualEnabled,
		"time_based_enabled": cfg.TimeBasedEnabled,
		"token_symbol":       cfg.TokenSymbol,
		"token_decimals":     cfg.TokenDecimals,
		"paused":             cfg.Paused,
	})
}

// GetTokenAccount handles GET /token-accounts/{address}
func (s *Simulator) GetTokenAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := solana.AddressFromBase58(mux.Vars(r)["address"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid address", "INVALID_ADDRESS")
		return
	}
	acc, ok := s.ledger.GetTokenAccount(addr)
	if !ok {
		respondError(w, http.StatusNotFound, "Token account not found", "NOT_FOUND")
		return
	}

	delegate := ""
	if acc.Delegate != nil {
		delegate = acc.Delegate.String()
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"address":          acc.Address.String(),
		"owner":            acc.Owner.String(),
		"mint":             acc.Mint.String(),
		"balance":          acc.Balance,
		"delegate":         delegate,
		"delegated_amount": acc.DelegatedAmount,
	})
}

// ListMemos handles GET /memos
func (s *Simulator) ListMemos(w http.ResponseWriter, r *http.Request) {
	memos := s.ledger.Memos()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"memos": memos,
		"total": len(memos),
	})
}

// ListReceipts handles GET /receipts
func (s *Simulator) ListReceipts(w http.ResponseWriter, r *http.Request) {
	receipts := s.ledger.Receipts()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"receipts": receipts,
		"total":    len(receipts),
	})
}

// Faucet handles POST /faucet. Test-only token issuance.
func (s *Simulator) Faucet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner  string `json:"owner"`
		Mint   string `json:"mint"`
		Amount uint64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON body", "INVALID_BODY")
		return
	}
	owner, err := solana.AddressFromBase58(req.Owner)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid owner address", "INVALID_ADDRESS")
		return
	}
	mint, err := solana.AddressFromBase58(req.Mint)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid mint address", "INVALID_ADDRESS")
		return
	}

	tokenAccount := s.ledger.MintTo(owner, mint, req.Amount)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"token_account": tokenAccount.String(),
		"minted":        req.Amount,
	})
}

// SetFeeCollector handles POST /admin/fee-collector. This is the
// landing point of the engine's governance execution.
func (s *Simulator) SetFeeCollector(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON body", "INVALID_BODY")
		return
	}
	addr, err := solana.AddressFromBase58(req.Address)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid address", "INVALID_ADDRESS")
		return
	}
	if err := s.ledger.SetFeeCollector(s.authority, addr); err != nil {
		s.respondLedgerError(w, err)
		return
	}

	s.mu.Lock()
	s.feeCollector = addr
	s.mu.Unlock()
	respondJSON(w, http.StatusOK, map[string]string{"fee_collector": addr.String()})
}

// AdminPause handles POST /admin/pause
func (s *Simulator) AdminPause(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.EmergencyPause(s.authority); err != nil {
		s.respondLedgerError(w, err)
		return
	}
	s.logger.Warn("program paused by operator")
	respondJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

// AdminResume handles POST /admin/resume
func (s *Simulator) AdminResume(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.ResumeProgram(s.authority); err != nil {
		s.respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// SetAuthorizationMode handles POST /admin/authorization-mode
func (s *Simulator) SetAuthorizationMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode             string `json:"mode"`
		ManualEnabled    bool   `json:"manual_enabled"`
		TimeBasedEnabled bool   `json:"time_based_enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON body", "INVALID_BODY")
		return
	}
	mode := ledger.AuthorizationMode(req.Mode)
	if err := s.ledger.UpdateAuthorizationMode(s.authority, mode, req.ManualEnabled, req.TimeBasedEnabled); err != nil {
		s.respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"mode":               req.Mode,
		"manual_enabled":     req.ManualEnabled,
		"time_based_enabled": req.TimeBasedEnabled,
	})
}
