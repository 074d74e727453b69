// Package oracle fetches external asset prices for fee-to-resource
// conversion. A failed fetch degrades to a configured fallback price;
// the trigger path never blocks on the oracle.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/AnuragDani/chainsub-platform/internal/cache"
	"github.com/AnuragDani/chainsub-platform/internal/logger"
)

// ErrNoPrice means neither the feed nor a fallback had the asset.
var ErrNoPrice = errors.New("no price available")

const (
	priceCacheTTL = 30 * time.Second

	lamportsPerSol = 1_000_000_000
	// One trillion cycles track one XDR; expressed here in USD.
	usdPerTrillionCycles = 1.33
)

// Client resolves asset prices with a Redis cache in front of the feed.
type Client struct {
	endpoint  string
	http      *http.Client
	cache     *cache.Client
	fallbacks map[string]float64
	logger    *logger.Logger
}

// New creates a price client. The cache may be nil; fallbacks map
// asset symbols to last-resort USD prices.
func New(endpoint string, timeout time.Duration, redisCache *cache.Client, fallbacks map[string]float64, log *logger.Logger) *Client {
	if fallbacks == nil {
		fallbacks = map[string]float64{"SOL": 100, "USDC": 1}
	}
	return &Client{
		endpoint:  endpoint,
		http:      &http.Client{Timeout: timeout},
		cache:     redisCache,
		fallbacks: fallbacks,
		logger:    log,
	}
}

type priceResponse struct {
	Asset string  `json:"asset"`
	USD   float64 `json:"usd"`
}

// GetPrice returns the USD price for an asset: cache, then the feed,
// then the fallback table.
func (c *Client) GetPrice(ctx context.Context, asset string) (float64, error) {
	cacheKey := "price:" + asset

	if c.cache != nil {
		var cached float64
		if err := c.cache.Get(ctx, cacheKey, &cached); err == nil {
			return cached, nil
		}
	}

	price, err := c.fetchPrice(ctx, asset)
	if err != nil {
		fallback, ok := c.fallbacks[asset]
		if !ok {
			return 0, fmt.Errorf("%w: %s: %v", ErrNoPrice, asset, err)
		}
		c.logger.Warn("price fetch failed, using fallback",
			"asset", asset,
			"fallback", fallback,
			"error", err.Error())
		return fallback, nil
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, cacheKey, price, priceCacheTTL); err != nil {
			c.logger.Warn("failed to cache price", "asset", asset, "error", err.Error())
		}
	}
	return price, nil
}

func (c *Client) fetchPrice(ctx context.Context, asset string) (float64, error) {
	reqURL := fmt.Sprintf("%s/price?asset=%s", c.endpoint, url.QueryEscape(asset))
	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var price priceResponse
	if err := json.Unmarshal(body, &price); err != nil {
		return 0, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if price.USD <= 0 {
		return 0, fmt.Errorf("feed returned non-positive price %v for %s", price.USD, asset)
	}
	return price.USD, nil
}

// CyclesPerLamport derives the fee-conversion rate from the native
// token's USD price: lamports are worth more cycles when the native
// token is worth more dollars.
func (c *Client) CyclesPerLamport(ctx context.Context) (float64, error) {
	solUSD, err := c.GetPrice(ctx, "SOL")
	if err != nil {
		return 0, err
	}
	cyclesPerUSD := 1e12 / usdPerTrillionCycles
	return cyclesPerUSD * solUSD / lamportsPerSol, nil
}
