package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"

	"github.com/AnuragDani/chainsub-platform/internal/cache"
	"github.com/AnuragDani/chainsub-platform/internal/config"
	"github.com/AnuragDani/chainsub-platform/internal/database"
	"github.com/AnuragDani/chainsub-platform/internal/events"
	"github.com/AnuragDani/chainsub-platform/internal/gateway"
	"github.com/AnuragDani/chainsub-platform/internal/logger"
	"github.com/AnuragDani/chainsub-platform/internal/oracle"
	"github.com/AnuragDani/chainsub-platform/internal/scheduler"
	"github.com/AnuragDani/chainsub-platform/internal/solana"
	"github.com/AnuragDani/chainsub-platform/internal/store"
	"github.com/AnuragDani/chainsub-platform/internal/treasury"
	ws "github.com/AnuragDani/chainsub-platform/internal/websocket"
)

func main() {
	log := logger.New("trigger-engine")
	cfg := config.Load()

	policy, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		log.Warn("policy file unavailable, using defaults", "path", cfg.PolicyPath, "error", err.Error())
		policy = config.DefaultPolicy()
	}

	// Persistence: PostgreSQL when reachable, in-memory otherwise.
	var (
		schedStore scheduler.Store
		recorder   treasury.Recorder
		lister     distributionLister
		db         *database.DB
	)
	db, err = database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Warn("database unavailable, subscriptions will not survive restarts", "error", err.Error())
		mem := store.NewMemoryStore()
		schedStore, recorder, lister = mem, mem, mem
	} else {
		defer db.Close()
		pg := store.NewPostgresStore(db)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatal("failed to ensure database schema", "error", err.Error())
		}
		cancel()
		schedStore, recorder, lister = pg, pg, pg
		log.Info("database connection established")
	}

	redisCache, err := cache.NewRedisClient(cfg.RedisURL)
	if err != nil {
		log.Warn("redis unavailable, price caching disabled", "error", err.Error())
		redisCache = nil
	} else {
		defer redisCache.Close()
	}

	signer, err := loadSigner(cfg.SchedulerSeed, log)
	if err != nil {
		log.Fatal("failed to load trigger key", "error", err.Error())
	}
	log.Info("trigger key loaded", "public_key", signer.PublicKey().String())

	if !solana.ValidBase58Address(cfg.ProgramID) {
		log.Fatal("invalid settlement program id", "program_id", cfg.ProgramID)
	}

	rpc := solana.NewRPCClient(cfg.SettlementRPCURL, cfg.HTTPTimeout, cfg.RPCMaxRPS)
	trigger := solana.NewTriggerClient(rpc, cfg.SettlementRPCURL, signer, log)
	sender := &triggerSender{client: trigger, defaultProgram: solana.MustAddress(cfg.ProgramID)}

	gate := gateway.New(gateway.Config{
		GlobalPerMinute:   policy.RateLimits.GlobalPerMinute,
		CallerPerMinute:   policy.RateLimits.CallerPerMinute,
		BackoffBase:       policy.Backoff.Base.Std(),
		BackoffMultiplier: policy.Backoff.Multiplier,
		MaxBackoff:        policy.Backoff.Max.Std(),
	}, log)
	if admin := os.Getenv("ADMIN_PRINCIPAL"); admin != "" {
		gate.AddAdmin(admin)
		log.Info("bootstrap admin registered", "principal", admin)
	}

	tre := treasury.New(policy.Treasury.InitialBalance, policy.Treasury.Threshold, policy.Treasury.AutoRefill, log)
	tre.SetRecorder(recorder)

	gov := treasury.NewGovernance(os.Getenv("FEE_COLLECTOR_ADDRESS"), policy.Governance.FeeAddressDelay.Std(), log)
	gov.OnChange(func(addr string) error {
		return pushFeeCollector(cfg.SettlementRPCURL, addr)
	})

	prices := oracle.New(cfg.OracleURL, cfg.HTTPTimeout, redisCache, nil, log)

	hub := ws.NewHub(nil)
	go hub.Run()

	sink := &eventSink{hub: hub}
	if dashboardURL := os.Getenv("DASHBOARD_URL"); dashboardURL != "" {
		sink.publisher = events.NewPublisher(dashboardURL)
		log.Info("event forwarding enabled", "url", dashboardURL)
	}

	sched := scheduler.New(scheduler.Config{
		TriggerTimeout: cfg.TriggerTimeout,
	}, sender, schedStore, gate, tre, sink, log)

	if err := sched.Start(context.Background()); err != nil {
		log.Fatal("failed to start scheduler", "error", err.Error())
	}

	// Background maintenance jobs.
	jobs := cron.New()
	jobs.AddFunc(fmt.Sprintf("@every %s", policy.Treasury.MonitorInterval.Std()), func() {
		monitorTreasury(tre, gov, prices, rpc, sink, log)
	})
	jobs.AddFunc("@hourly", func() {
		if purged := gate.Cleanup(24 * time.Hour); purged > 0 {
			log.Info("gateway records purged", "count", purged)
		}
	})
	jobs.AddFunc("@daily", func() {
		sched.CleanupOld(context.Background(), 30*24*time.Hour)
	})
	jobs.Start()

	handler := NewHandler(sched, gate, tre, gov, prices, hub, lister, db, rpc, policy, log)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Routes(mux.NewRouter()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info("shutting down")

		jobs.Stop()
		sched.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("graceful shutdown failed", "error", err.Error())
		}
		close(done)
	}()

	log.Info("trigger engine starting", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server failed", "error", err.Error())
	}

	<-done
	log.Info("server stopped")
}

// loadSigner builds the trigger key from a hex seed, or generates an
// ephemeral one so the engine can run without configuration.
func loadSigner(hexSeed string, log *logger.Logger) (*solana.KeypairSigner, error) {
	if hexSeed == "" {
		seed := make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("failed to generate seed: %w", err)
		}
		log.Warn("SCHEDULER_SEED not set, using an ephemeral trigger key")
		return solana.NewKeypairSigner(seed)
	}
	seed, err := hex.DecodeString(hexSeed)
	if err != nil {
		return nil, fmt.Errorf("SCHEDULER_SEED is not valid hex: %w", err)
	}
	return solana.NewKeypairSigner(seed)
}

// triggerSender adapts the settlement client to the scheduler. The
// program id comes from the subscription's settlement contract field.
type triggerSender struct {
	client         *solana.TriggerClient
	defaultProgram solana.Address
}

func (t *triggerSender) SendTrigger(ctx context.Context, sub *scheduler.Subscription, op solana.Opcode) (string, error) {
	program := t.defaultProgram
	if addr, err := solana.AddressFromBase58(sub.SettlementContract); err == nil {
		program = addr
	}
	return t.client.SendTrigger(ctx, solana.TriggerRequest{
		SubscriptionID: sub.ID,
		ProgramID:      program,
		Opcode:         op,
	})
}

// eventSink fans lifecycle events out to websocket clients and, when
// configured, to the external dashboard.
type eventSink struct {
	hub       *ws.Hub
	publisher *events.Publisher
}

func (s *eventSink) Publish(eventType, eventName string, data interface{}) {
	s.hub.BroadcastEvent(eventType, eventName, data)
	if s.publisher != nil {
		s.publisher.PublishAsync(eventType, eventName, data)
	}
}

// monitorTreasury is the periodic solvency check: read the fee
// collector's balance, convert at the oracle rate, and top up when the
// balance has fallen below the threshold.
func monitorTreasury(tre *treasury.Manager, gov *treasury.Governance, prices *oracle.Client, rpc *solana.RPCClient, sink *eventSink, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if tre.IsEmergencyLow() {
		report := tre.Snapshot()
		sink.Publish(ws.TypeTreasury, ws.EventTreasuryEmergency, ws.TreasuryData{
			CurrentBalance: report.CurrentBalance,
			Threshold:      report.ThresholdBalance,
		})
	}

	collector, _ := gov.Status()
	collectorAddr, err := solana.AddressFromBase58(collector)
	if err != nil {
		log.Debug("no valid fee collector configured, skipping refill check")
		return
	}

	available, err := rpc.GetBalance(ctx, collectorAddr)
	if err != nil {
		log.Warn("failed to read fee collector balance", "error", err.Error())
		return
	}
	rate, err := prices.CyclesPerLamport(ctx)
	if err != nil {
		log.Warn("failed to resolve conversion rate", "error", err.Error())
		return
	}

	refilled, err := tre.MonitorAndRefill(available, rate)
	if err != nil {
		log.Warn("treasury refill failed", "error", err.Error())
		return
	}
	if refilled {
		report := tre.Snapshot()
		sink.Publish(ws.TypeTreasury, ws.EventTreasuryRefilled, ws.TreasuryData{
			CurrentBalance: report.CurrentBalance,
			Threshold:      report.ThresholdBalance,
		})
	}
}

// pushFeeCollector propagates an executed governance change to the
// settlement side.
func pushFeeCollector(settlementURL, addr string) error {
	body := fmt.Sprintf(`{"address":%q}`, addr)
	resp, err := http.Post(settlementURL+"/admin/fee-collector", "application/json", strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to push fee collector: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("settlement side rejected fee collector update: HTTP %d", resp.StatusCode)
	}
	return nil
}
