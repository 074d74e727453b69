package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/AnuragDani/chainsub-platform/internal/config"
	"github.com/AnuragDani/chainsub-platform/internal/database"
	"github.com/AnuragDani/chainsub-platform/internal/gateway"
	"github.com/AnuragDani/chainsub-platform/internal/logger"
	"github.com/AnuragDani/chainsub-platform/internal/oracle"
	"github.com/AnuragDani/chainsub-platform/internal/scheduler"
	"github.com/AnuragDani/chainsub-platform/internal/solana"
	"github.com/AnuragDani/chainsub-platform/internal/treasury"
	ws "github.com/AnuragDani/chainsub-platform/internal/websocket"
)

// distributionLister reads back persisted treasury refill history.
type distributionLister interface {
	ListFeeDistributions(ctx context.Context, limit int) ([]treasury.FeeDistribution, error)
}

// Handler exposes the engine's HTTP surface.
type Handler struct {
	sched  *scheduler.Scheduler
	gate   *gateway.Gateway
	tre    *treasury.Manager
	gov    *treasury.Governance
	prices *oracle.Client
	hub    *ws.Hub
	lister distributionLister
	db     *database.DB
	rpc    *solana.RPCClient
	policy *config.Policy
	logger *logger.Logger
}

func NewHandler(sched *scheduler.Scheduler, gate *gateway.Gateway, tre *treasury.Manager, gov *treasury.Governance, prices *oracle.Client, hub *ws.Hub, lister distributionLister, db *database.DB, rpc *solana.RPCClient, policy *config.Policy, log *logger.Logger) *Handler {
	return &Handler{
		sched:  sched,
		gate:   gate,
		tre:    tre,
		gov:    gov,
		prices: prices,
		hub:    hub,
		lister: lister,
		db:     db,
		rpc:    rpc,
		policy: policy,
		logger: log,
	}
}

// Routes wires every endpoint onto the router.
func (h *Handler) Routes(r *mux.Router) *mux.Router {
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")

	// Subscription lifecycle
	r.HandleFunc("/subscriptions", h.CreateSubscription).Methods("POST")
	r.HandleFunc("/subscriptions", h.ListSubscriptions).Methods("GET")
	r.HandleFunc("/subscriptions/overdue", h.ListOverdue).Methods("GET")
	r.HandleFunc("/subscriptions/{id}", h.GetSubscription).Methods("GET")
	r.HandleFunc("/subscriptions/{id}/pause", h.PauseSubscription).Methods("POST")
	r.HandleFunc("/subscriptions/{id}/resume", h.ResumeSubscription).Methods("POST")
	r.HandleFunc("/subscriptions/{id}/cancel", h.CancelSubscription).Methods("POST")
	r.HandleFunc("/subscriptions/{id}/trigger", h.TriggerSubscription).Methods("POST")

	// Scheduler surface
	r.HandleFunc("/scheduler/status", h.SchedulerStatus).Methods("GET")

	// Admin surface
	r.HandleFunc("/admin/emergency-pause", h.requireAdmin(h.EmergencyPause)).Methods("POST")
	r.HandleFunc("/admin/resume-operations", h.requireAdmin(h.ResumeOperations)).Methods("POST")
	r.HandleFunc("/admin/cleanup", h.requireAdmin(h.Cleanup)).Methods("POST")
	r.HandleFunc("/admin/admins/{principal}", h.requireAdmin(h.AddAdmin)).Methods("POST")
	r.HandleFunc("/admin/admins/{principal}", h.requireAdmin(h.RemoveAdmin)).Methods("DELETE")
	r.HandleFunc("/admin/readonly/{principal}", h.requireAdmin(h.AddReadOnly)).Methods("POST")
	r.HandleFunc("/admin/readonly/{principal}", h.requireAdmin(h.RemoveReadOnly)).Methods("DELETE")

	// Security surface
	r.HandleFunc("/security/stats", h.SecurityStats).Methods("GET")
	r.HandleFunc("/security/reputation/{caller}", h.GetReputation).Methods("GET")
	r.HandleFunc("/security/reputation/{caller}/adjust", h.requireAdmin(h.AdjustReputation)).Methods("POST")
	r.HandleFunc("/security/clear-block/{caller}", h.requireAdmin(h.ClearBlock)).Methods("POST")

	// Treasury surface
	r.HandleFunc("/treasury/status", h.TreasuryStatus).Methods("GET")
	r.HandleFunc("/treasury/refill", h.requireAdmin(h.TreasuryRefill)).Methods("POST")
	r.HandleFunc("/treasury/auto-refill", h.requireAdmin(h.SetAutoRefill)).Methods("POST")
	r.HandleFunc("/treasury/threshold", h.requireAdmin(h.SetThreshold)).Methods("POST")
	r.HandleFunc("/treasury/distributions", h.ListDistributions).Methods("GET")

	// Governance surface
	r.HandleFunc("/governance/status", h.GovernanceStatus).Methods("GET")
	r.HandleFunc("/governance/propose", h.requireAdmin(h.GovernancePropose)).Methods("POST")
	r.HandleFunc("/governance/execute", h.requireAdmin(h.GovernanceExecute)).Methods("POST")
	r.HandleFunc("/governance/cancel", h.requireAdmin(h.GovernanceCancel)).Methods("POST")

	// Oracle surface
	r.HandleFunc("/oracle/price/{asset}", h.GetPrice).Methods("GET")
	r.HandleFunc("/oracle/conversion-rate", h.GetConversionRate).Methods("GET")

	// Live event stream
	r.HandleFunc("/ws", h.hub.ServeWs).Methods("GET")
	r.HandleFunc("/ws/stats", h.WsStats).Methods("GET")

	return r
}

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

// callerID identifies the caller for rate limiting and reputation. The
// X-Caller-ID header wins; the remote address is the anonymous default.
func callerID(r *http.Request) string {
	if id := r.Header.Get("X-Caller-ID"); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.gate.IsAdmin(callerID(r)) {
			respondError(w, http.StatusForbidden, "Admin privileges required", "NOT_ADMIN")
			return
		}
		next(w, r)
	}
}

// respondSchedulerError maps domain errors onto HTTP statuses.
func (h *Handler) respondSchedulerError(w http.ResponseWriter, err error) {
	var blocked *gateway.BlockedError
	switch {
	case errors.As(err, &blocked):
		w.Header().Set("Retry-After", strconv.Itoa(int(blocked.RetryAfter.Seconds())+1))
		respondError(w, http.StatusTooManyRequests, err.Error(), "TEMPORARILY_BLOCKED")
	case errors.Is(err, gateway.ErrRateLimited):
		respondError(w, http.StatusTooManyRequests, err.Error(), "RATE_LIMITED")
	case errors.Is(err, gateway.ErrRestricted):
		respondError(w, http.StatusForbidden, err.Error(), "CALLER_RESTRICTED")
	case errors.Is(err, scheduler.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
	case errors.Is(err, scheduler.ErrDuplicateID):
		respondError(w, http.StatusConflict, err.Error(), "DUPLICATE_ID")
	case errors.Is(err, scheduler.ErrValidation):
		respondError(w, http.StatusBadRequest, err.Error(), "VALIDATION_FAILED")
	case errors.Is(err, scheduler.ErrInvalidStateTransition):
		respondError(w, http.StatusConflict, err.Error(), "INVALID_TRANSITION")
	default:
		h.logger.Error("request failed", "error", err.Error())
		respondError(w, http.StatusInternalServerError, "Internal error", "INTERNAL_ERROR")
	}
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := h.sched.Status()

	dbHealth := map[string]interface{}{"status": "not_configured"}
	if h.db != nil {
		dbHealth = h.db.Health()
	}

	rpcHealthy := true
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := h.rpc.Health(ctx); err != nil {
		rpcHealthy = false
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":            "trigger-engine",
		"status":             "healthy",
		"scheduler_running":  status.Running,
		"settlement_healthy": rpcHealthy,
		"database":           dbHealth,
		"treasury":           h.tre.Snapshot(),
		"ws_clients":         h.hub.ClientCount(),
	})
}

// CreateSubscription handles POST /subscriptions
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req scheduler.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON body", "INVALID_BODY")
		return
	}

	sub, err := h.sched.Create(r.Context(), callerID(r), req)
	if err != nil {
		h.respondSchedulerError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sub)
}

// ListSubscriptions handles GET /subscriptions
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs := h.sched.List()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"subscriptions": subs,
		"total":         len(subs),
	})
}

// ListOverdue handles GET /subscriptions/overdue
func (h *Handler) ListOverdue(w http.ResponseWriter, r *http.Request) {
	subs := h.sched.Overdue()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"subscriptions": subs,
		"total":         len(subs),
	})
}

// GetSubscription handles GET /subscriptions/{id}
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.sched.Get(mux.Vars(r)["id"])
	if err != nil {
		h.respondSchedulerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

// PauseSubscription handles POST /subscriptions/{id}/pause
func (h *Handler) PauseSubscription(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.sched.Pause)
}

// ResumeSubscription handles POST /subscriptions/{id}/resume
func (h *Handler) ResumeSubscription(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.sched.Resume)
}

// CancelSubscription handles POST /subscriptions/{id}/cancel
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.sched.Cancel)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, string, string) error) {
	id := mux.Vars(r)["id"]
	if err := op(r.Context(), callerID(r), id); err != nil {
		h.respondSchedulerError(w, err)
		return
	}
	sub, err := h.sched.Get(id)
	if err != nil {
		h.respondSchedulerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

// TriggerSubscription handles POST /subscriptions/{id}/trigger
func (h *Handler) TriggerSubscription(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.sched.TriggerNow(callerID(r), id); err != nil {
		h.respondSchedulerError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"subscription_id": id,
		"message":         "Trigger dispatched",
	})
}

// SchedulerStatus handles GET /scheduler/status
func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.sched.Status())
}

// EmergencyPause handles POST /admin/emergency-pause
func (h *Handler) EmergencyPause(w http.ResponseWriter, r *http.Request) {
	count := h.sched.EmergencyPauseAll(r.Context())
	h.logger.Warn("emergency pause invoked", "caller", callerID(r), "paused", count)
	respondJSON(w, http.StatusOK, map[string]interface{}{"paused": count})
}

// ResumeOperations handles POST /admin/resume-operations
func (h *Handler) ResumeOperations(w http.ResponseWriter, r *http.Request) {
	count := h.sched.ResumeOperations(r.Context())
	respondJSON(w, http.StatusOK, map[string]interface{}{"resumed": count})
}

// Cleanup handles POST /admin/cleanup
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	olderThan := 30 * 24 * time.Hour
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid older_than duration", "INVALID_DURATION")
			return
		}
		olderThan = d
	}
	removed := h.sched.CleanupOld(r.Context(), olderThan)
	purged := h.gate.Cleanup(olderThan)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"subscriptions_removed":  removed,
		"gateway_records_purged": purged,
	})
}

// AddAdmin handles POST /admin/admins/{principal}
func (h *Handler) AddAdmin(w http.ResponseWriter, r *http.Request) {
	principal := mux.Vars(r)["principal"]
	h.gate.AddAdmin(principal)
	respondJSON(w, http.StatusOK, map[string]string{"principal": principal, "role": "admin"})
}

// RemoveAdmin handles DELETE /admin/admins/{principal}
func (h *Handler) RemoveAdmin(w http.ResponseWriter, r *http.Request) {
	principal := mux.Vars(r)["principal"]
	if principal == callerID(r) {
		respondError(w, http.StatusConflict, "Cannot remove yourself", "SELF_REMOVAL")
		return
	}
	h.gate.RemoveAdmin(principal)
	respondJSON(w, http.StatusOK, map[string]string{"principal": principal})
}

// AddReadOnly handles POST /admin/readonly/{principal}
func (h *Handler) AddReadOnly(w http.ResponseWriter, r *http.Request) {
	principal := mux.Vars(r)["principal"]
	h.gate.AddReadOnly(principal)
	respondJSON(w, http.StatusOK, map[string]string{"principal": principal, "role": "readonly"})
}

// RemoveReadOnly handles DELETE /admin/readonly/{principal}
func (h *Handler) RemoveReadOnly(w http.ResponseWriter, r *http.Request) {
	principal := mux.Vars(r)["principal"]
	h.gate.RemoveReadOnly(principal)
	respondJSON(w, http.StatusOK, map[string]string{"principal": principal})
}

// SecurityStats handles GET /security/stats
func (h *Handler) SecurityStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.gate.Stats())
}

// GetReputation handles GET /security/reputation/{caller}
func (h *Handler) GetReputation(w http.ResponseWriter, r *http.Request) {
	caller := mux.Vars(r)["caller"]
	rep, ok := h.gate.GetReputation(caller)
	if !ok {
		respondError(w, http.StatusNotFound, "Caller has no history", "NO_HISTORY")
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

// AdjustReputation handles POST /security/reputation/{caller}/adjust
func (h *Handler) AdjustReputation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Delta int `json:"delta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON body", "INVALID_BODY")
		return
	}
	caller := mux.Vars(r)["caller"]
	rep := h.gate.AdjustReputation(caller, body.Delta)
	h.logger.Info("reputation adjusted", "caller", caller, "delta", body.Delta, "score", rep.Score)
	respondJSON(w, http.StatusOK, rep)
}

// ClearBlock handles POST /security/clear-block/{caller}
func (h *Handler) ClearBlock(w http.ResponseWriter, r *http.Request) {
	caller := mux.Vars(r)["caller"]
	h.gate.ClearBlock(caller)
	respondJSON(w, http.StatusOK, map[string]string{"caller": caller, "message": "Backoff cleared"})
}

// TreasuryStatus handles GET /treasury/status
func (h *Handler) TreasuryStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.tre.Snapshot())
}

// TreasuryRefill handles POST /treasury/refill
func (h *Handler) TreasuryRefill(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Lamports uint64 `json:"lamports"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON body", "INVALID_BODY")
		return
	}

	rate, err := h.prices.CyclesPerLamport(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, "Conversion rate unavailable", "ORACLE_UNAVAILABLE")
		return
	}

	credited, err := h.tre.RefillFromCollectedFees(body.Lamports, rate)
	if err != nil {
		switch {
		case errors.Is(err, treasury.ErrRefillTooSmall), errors.Is(err, treasury.ErrInvalidRate):
			respondError(w, http.StatusBadRequest, err.Error(), "INVALID_REFILL")
		default:
			respondError(w, http.StatusInternalServerError, err.Error(), "REFILL_FAILED")
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"lamports_converted": body.Lamports,
		"cycles_credited":    credited,
		"conversion_rate":    rate,
	})
}

// SetAutoRefill handles POST /treasury/auto-refill
func (h *Handler) SetAutoRefill(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON body", "INVALID_BODY")
		return
	}
	h.tre.SetAutoRefill(body.Enabled)
	respondJSON(w, http.StatusOK, h.tre.Snapshot())
}

// SetThreshold handles POST /treasury/threshold
func (h *Handler) SetThreshold(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Threshold uint64 `json:"threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON body", "INVALID_BODY")
		return
	}
	if err := h.tre.SetThreshold(body.Threshold); err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), "INVALID_THRESHOLD")
		return
	}
	respondJSON(w, http.StatusOK, h.tre.Snapshot())
}

// ListDistributions handles GET /treasury/distributions
func (h *Handler) ListDistributions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	dists, err := h.lister.ListFeeDistributions(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list distributions", "error", err.Error())
		respondError(w, http.StatusInternalServerError, "Failed to list distributions", "LIST_FAILED")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"distributions": dists,
		"total":         len(dists),
	})
}

// GovernanceStatus handles GET /governance/status
func (h *Handler) GovernanceStatus(w http.ResponseWriter, r *http.Request) {
	current, pending := h.gov.Status()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"fee_address": current,
		"pending":     pending,
	})
}

// GovernancePropose handles POST /governance/propose
func (h *Handler) GovernancePropose(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON body", "INVALID_BODY")
		return
	}
	proposal, err := h.gov.Propose(body.Address)
	if err != nil {
		switch {
		case errors.Is(err, treasury.ErrInvalidAddress):
			respondError(w, http.StatusBadRequest, err.Error(), "INVALID_ADDRESS")
		case errors.Is(err, treasury.ErrProposalPending):
			respondError(w, http.StatusConflict, err.Error(), "PROPOSAL_PENDING")
		default:
			respondError(w, http.StatusInternalServerError, err.Error(), "PROPOSE_FAILED")
		}
		return
	}
	respondJSON(w, http.StatusCreated, proposal)
}

// GovernanceExecute handles POST /governance/execute
func (h *Handler) GovernanceExecute(w http.ResponseWriter, r *http.Request) {
	addr, err := h.gov.Execute()
	if err != nil {
		switch {
		case errors.Is(err, treasury.ErrNoProposal):
			respondError(w, http.StatusNotFound, err.Error(), "NO_PROPOSAL")
		case errors.Is(err, treasury.ErrDelayNotElapsed):
			respondError(w, http.StatusConflict, err.Error(), "DELAY_NOT_ELAPSED")
		default:
			respondError(w, http.StatusInternalServerError, err.Error(), "EXECUTE_FAILED")
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"fee_address": addr})
}

// GovernanceCancel handles POST /governance/cancel
func (h *Handler) GovernanceCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.gov.Cancel(); err != nil {
		respondError(w, http.StatusNotFound, err.Error(), "NO_PROPOSAL")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "Proposal cancelled"})
}

// GetPrice handles GET /oracle/price/{asset}
func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	asset := mux.Vars(r)["asset"]
	price, err := h.prices.GetPrice(r.Context(), asset)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error(), "NO_PRICE")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"asset": asset, "usd": price})
}

// GetConversionRate handles GET /oracle/conversion-rate
func (h *Handler) GetConversionRate(w http.ResponseWriter, r *http.Request) {
	rate, err := h.prices.CyclesPerLamport(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error(), "ORACLE_UNAVAILABLE")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"cycles_per_lamport": rate})
}

// WsStats handles GET /ws/stats
func (h *Handler) WsStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.hub.GetStats())
}
