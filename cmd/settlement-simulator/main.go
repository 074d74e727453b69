// The settlement simulator stands in for the on-chain settlement
// program during development: it accepts the same wire transactions
// over JSON-RPC, applies them to an in-process ledger, and serves the
// account queries the trigger engine reads between triggers.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/mr-tron/base58"

	"github.com/AnuragDani/chainsub-platform/internal/ledger"
	"github.com/AnuragDani/chainsub-platform/internal/logger"
	"github.com/AnuragDani/chainsub-platform/internal/solana"
)

// Stats counts what the simulator has processed.
type Stats struct {
	TransactionsReceived uint64 `json:"transactions_received"`
	PaymentsProcessed    uint64 `json:"payments_processed"`
	NotificationsSent    uint64 `json:"notifications_sent"`
	TriggersRejected     uint64 `json:"triggers_rejected"`
}

type Simulator struct {
	mu sync.Mutex

	ledger    *ledger.Ledger
	programID solana.Address
	authority solana.Address
	// pdaIndex maps each subscription's derived address back to its id,
	// the way the chain maps an account key to its data.
	pdaIndex map[solana.Address]string
	// feeLamports is the simulated native balance of the fee collector,
	// credited one trigger fee per processed payment.
	feeLamports  map[solana.Address]uint64
	feeCollector solana.Address
	triggerFee   uint64
	stats        Stats

	logger    *logger.Logger
	startedAt time.Time
}

func main() {
	log := logger.New("settlement-simulator")

	port := getEnv("PORT", "8899")
	programID := getEnv("SETTLEMENT_PROGRAM_ID", "7rXs5Gq1vR4mW8kTzJbNcPdEyAfUhLoSiQnBKjZtMxVu")
	if !solana.ValidBase58Address(programID) {
		log.Fatal("invalid program id", "program_id", programID)
	}

	authority := randomAddress()
	log.Info("authority generated", "address", authority.String())

	feeCollector := authority
	if addr := os.Getenv("FEE_COLLECTOR_ADDRESS"); addr != "" {
		parsed, err := solana.AddressFromBase58(addr)
		if err != nil {
			log.Fatal("invalid FEE_COLLECTOR_ADDRESS", "error", err.Error())
		}
		feeCollector = parsed
	} else {
		feeCollector = randomAddress()
		log.Info("fee collector generated", "address", feeCollector.String())
	}

	// The trigger key the engine signs with. Without it the simulator
	// falls back to time-based authorization so it still runs standalone.
	var schedulerKey ed25519.PublicKey
	mode := ledger.AuthorizationMode(getEnv("AUTH_MODE", "time_based"))
	if pubkey := os.Getenv("SCHEDULER_PUBKEY"); pubkey != "" {
		decoded, err := base58.Decode(pubkey)
		if err != nil || len(decoded) != ed25519.PublicKeySize {
			log.Fatal("invalid SCHEDULER_PUBKEY", "value", pubkey)
		}
		schedulerKey = ed25519.PublicKey(decoded)
		if os.Getenv("AUTH_MODE") == "" {
			mode = ledger.ModeSignature
		}
	} else if mode == ledger.ModeSignature || mode == ledger.ModeHybrid {
		log.Warn("no SCHEDULER_PUBKEY set, falling back to time_based authorization")
		mode = ledger.ModeTimeBased
	}

	led := ledger.New(solana.MustAddress(programID), log)
	err := led.Initialize(ledger.InitializeParams{
		Authority:        authority,
		SchedulerKey:     schedulerKey,
		Mode:             mode,
		ManualEnabled:    true,
		TimeBasedEnabled: mode == ledger.ModeTimeBased,
		FeeBps:           uint16(getEnvInt("FEE_BPS", 200)),
		MinFee:           uint64(getEnvInt("MIN_FEE", 1000)),
		TokenSymbol:      getEnv("TOKEN_SYMBOL", "USDC"),
		TokenDecimals:    uint8(getEnvInt("TOKEN_DECIMALS", 6)),
	})
	if err != nil {
		log.Fatal("failed to initialize ledger", "error", err.Error())
	}
	if err := led.SetFeeCollector(authority, feeCollector); err != nil {
		log.Fatal("failed to set fee collector", "error", err.Error())
	}

	sim := &Simulator{
		ledger:       led,
		programID:    solana.MustAddress(programID),
		authority:    authority,
		pdaIndex:     make(map[solana.Address]string),
		feeLamports:  make(map[solana.Address]uint64),
		feeCollector: feeCollector,
		triggerFee:   uint64(getEnvInt("TRIGGER_FEE_LAMPORTS", 5000)),
		logger:       log,
		startedAt:    time.Now(),
	}

	r := mux.NewRouter()
	sim.Routes(r)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
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
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("graceful shutdown failed", "error", err.Error())
		}
		close(done)
	}()

	log.Info("settlement simulator starting", "port", port, "mode", string(mode))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server failed", "error", err.Error())
	}

	<-done
	log.Info("server stopped")
}

func randomAddress() solana.Address {
	var addr solana.Address
	seed := make([]byte, ed25519.SeedSize)
	rand.Read(seed)
	priv := ed25519.NewKeyFromSeed(seed)
	copy(addr[:], priv.Public().(ed25519.PublicKey))
	return addr
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
