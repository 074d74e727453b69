package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnuragDani/chainsub-platform/internal/logger"
)

func newTestClient(endpoint string) *Client {
	return New(endpoint, 2*time.Second, nil, map[string]float64{"SOL": 100}, logger.New("oracle-test"))
}

func TestGetPriceFromFeed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "SOL", r.URL.Query().Get("asset"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"asset":"SOL","usd":142.5}`))
	}))
	defer server.Close()

	price, err := newTestClient(server.URL).GetPrice(context.Background(), "SOL")
	require.NoError(t, err)
	assert.Equal(t, 142.5, price)
}

func TestGetPriceFallsBackOnFeedFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer server.Close()

	price, err := newTestClient(server.URL).GetPrice(context.Background(), "SOL")
	require.NoError(t, err)
	assert.Equal(t, float64(100), price)
}

func TestGetPriceFallsBackOnUnreachableFeed(t *testing.T) {
	price, err := newTestClient("http://127.0.0.1:1").GetPrice(context.Background(), "SOL")
	require.NoError(t, err)
	assert.Equal(t, float64(100), price)
}

func TestGetPriceUnknownAssetWithoutFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown asset", http.StatusNotFound)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).GetPrice(context.Background(), "DOGE")
	assert.ErrorIs(t, err, ErrNoPrice)
}

func TestGetPriceRejectsNonPositive(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"asset":"SOL","usd":0}`))
	}))
	defer server.Close()

	// Non-positive feed values degrade to the fallback.
	price, err := newTestClient(server.URL).GetPrice(context.Background(), "SOL")
	require.NoError(t, err)
	assert.Equal(t, float64(100), price)
}

func TestCyclesPerLamport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"asset":"SOL","usd":133}`))
	}))
	defer server.Close()

	rate, err := newTestClient(server.URL).CyclesPerLamport(context.Background())
	require.NoError(t, err)
	// At $133 per SOL and $1.33 per trillion cycles, one lamport buys
	// exactly 100_000 cycles.
	assert.InDelta(t, 100_000, rate, 1e-6)
}
