// Package scraper collects raw market data from the Polymarket Gamma API.
// The API is free and unauthenticated, but rate-limit sensitive and prone to
// transient failures; the client performs a single attempt per call and
// reports failures as *models.ScrapeError, leaving retry policy to the
// pipeline so backoff is not applied twice.
package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cwhit/polyharvest/internal/models"
)

// Client provides access to the Polymarket Gamma API.
type Client struct {
	apiBaseURL string
	httpClient *http.Client
}

// flexFloat decodes a JSON number that some Gamma API versions quote as a
// string. null and absent both decode to zero.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse number %q: %w", s, err)
	}
	*f = flexFloat(v)
	return nil
}

// gammaMarket mirrors the subset of the Gamma /markets payload we consume.
type gammaMarket struct {
	ID             string    `json:"id"`
	Question       string    `json:"question"`
	Slug           string    `json:"slug"`
	Category       string    `json:"category"`
	Active         bool      `json:"active"`
	Closed         bool      `json:"closed"`
	VolumeNum      flexFloat `json:"volumeNum"`
	Volume24hr     flexFloat `json:"volume24hr"`
	LiquidityNum   flexFloat `json:"liquidityNum"`
	LastTradePrice flexFloat `json:"lastTradePrice"`
	BestBid        flexFloat `json:"bestBid"`
	BestAsk        flexFloat `json:"bestAsk"`
	EndDate        string    `json:"endDate"`
}

// NewClient creates a new Gamma API client.
func NewClient(apiBaseURL string, timeout time.Duration) *Client {
	return &Client{
		apiBaseURL: apiBaseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// FetchMarket retrieves the current state of a single market and converts it
// into a MarketSnapshot observed at the time of the call.
func (c *Client) FetchMarket(ctx context.Context, marketID string) (*models.MarketSnapshot, error) {
	endpoint := fmt.Sprintf("%s/markets?id=%s", c.apiBaseURL, url.QueryEscape(marketID))

	var markets []gammaMarket
	if err := c.getJSON(ctx, endpoint, &markets); err != nil {
		return nil, &models.ScrapeError{MarketID: marketID, Err: err}
	}
	if len(markets) == 0 {
		return nil, &models.ScrapeError{MarketID: marketID, Err: fmt.Errorf("market not found")}
	}

	return toSnapshot(markets[0], time.Now()), nil
}

// ListMarkets returns the IDs of active markets with at least minVolume total
// volume, capped at limit. The scheduler uses this to build each cycle's
// target set.
func (c *Client) ListMarkets(ctx context.Context, limit int, minVolume float64) ([]string, error) {
	endpoint := fmt.Sprintf("%s/markets?active=true&closed=false&limit=%d", c.apiBaseURL, limit)

	var markets []gammaMarket
	if err := c.getJSON(ctx, endpoint, &markets); err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}

	ids := make([]string, 0, len(markets))
	for _, m := range markets {
		if m.ID == "" || m.Closed {
			continue
		}
		if float64(m.VolumeNum) < minVolume {
			continue
		}
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// toSnapshot converts an API market into a snapshot. The yes price is the
// bid/ask mid when both sides are quoted, falling back to the last trade
// price, then to 0.5 for markets with no price signal at all.
func toSnapshot(m gammaMarket, observedAt time.Time) *models.MarketSnapshot {
	bid := float64(m.BestBid)
	ask := float64(m.BestAsk)
	lastTrade := float64(m.LastTradePrice)

	var yesPrice float64
	switch {
	case bid > 0 && ask > 0:
		yesPrice = (bid + ask) / 2
	case lastTrade > 0:
		yesPrice = lastTrade
	default:
		yesPrice = 0.5
	}

	fields := map[string]float64{
		models.FieldYesPrice:   yesPrice,
		models.FieldNoPrice:    1.0 - yesPrice,
		models.FieldVolume:     float64(m.VolumeNum),
		models.FieldVolume24hr: float64(m.Volume24hr),
		models.FieldLiquidity:  float64(m.LiquidityNum),
		models.FieldBestBid:    bid,
		models.FieldBestAsk:    ask,
	}

	return &models.MarketSnapshot{
		MarketID:   m.ID,
		Question:   m.Question,
		SourceURL:  "https://polymarket.com/market/" + m.Slug,
		Source:     "gamma-api",
		ObservedAt: observedAt,
		Fields:     fields,
	}
}
