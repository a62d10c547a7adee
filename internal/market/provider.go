// Package market fetches live prices for held instruments and the
// benchmark index.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"riskpulse/internal/models"
)

var ErrNoPrices = errors.New("no prices returned")

// Instrument is one symbol to quote.
type Instrument struct {
	Symbol     string
	AssetClass models.AssetClass
}

type Config struct {
	YahooURL     string
	CoinGeckoURL string
	Timeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		YahooURL:     "https://query2.finance.yahoo.com",
		CoinGeckoURL: "https://api.coingecko.com",
		Timeout:      10 * time.Second,
	}
}

// Provider quotes equities through the Yahoo chart API and crypto through
// CoinGecko, and keeps the last good price per symbol.
type Provider struct {
	httpClient *http.Client
	cfg        Config
	logger     *zap.Logger

	mu     sync.RWMutex
	prices map[string]float64
}

func NewProvider(cfg Config, logger *zap.Logger) *Provider {
	def := DefaultConfig()
	if cfg.YahooURL == "" {
		cfg.YahooURL = def.YahooURL
	}
	if cfg.CoinGeckoURL == "" {
		cfg.CoinGeckoURL = def.CoinGeckoURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Provider{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		logger:     logger.Named("market"),
		prices:     make(map[string]float64),
	}
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func (p *Provider) Price(symbol string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.prices[normalize(symbol)]
	return price, ok
}

func (p *Provider) Snapshot() map[string]float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]float64, len(p.prices))
	for k, v := range p.prices {
		out[k] = v
	}
	return out
}

// Refresh quotes every instrument and returns the prices that were
// updated. A failing symbol is skipped; an error is returned only when
// nothing could be quoted.
func (p *Provider) Refresh(ctx context.Context, instruments []Instrument) (map[string]float64, error) {
	stocks := make([]string, 0)
	cryptos := make(map[string]string)
	seen := map[string]bool{}

	for _, in := range instruments {
		symbol := normalize(in.Symbol)
		if symbol == "" || seen[symbol] {
			continue
		}
		seen[symbol] = true
		switch in.AssetClass {
		case models.AssetCash:
			continue
		case models.AssetCrypto:
			if id, ok := coinGeckoIDs[symbol]; ok {
				cryptos[symbol] = id
			}
		default:
			stocks = append(stocks, symbol)
		}
	}
	if len(stocks) == 0 && len(cryptos) == 0 {
		return map[string]float64{}, nil
	}

	updates := make(map[string]float64)
	var errs []error
	if len(stocks) > 0 {
		for k, v := range p.fetchYahooQuotes(ctx, stocks) {
			updates[k] = v
		}
	}
	if len(cryptos) > 0 {
		cryptoUpdates, err := p.fetchCoinGeckoPrices(ctx, cryptos)
		if err != nil {
			errs = append(errs, err)
		}
		for k, v := range cryptoUpdates {
			updates[k] = v
		}
	}

	p.mu.Lock()
	for k, v := range updates {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			delete(updates, k)
			continue
		}
		p.prices[k] = v
	}
	p.mu.Unlock()

	if len(updates) == 0 {
		errs = append(errs, ErrNoPrices)
		return updates, errors.Join(errs...)
	}
	if len(errs) > 0 {
		p.logger.Warn("Partial price refresh", zap.Error(errors.Join(errs...)))
	}
	return updates, nil
}

func (p *Provider) fetchYahooQuotes(ctx context.Context, symbols []string) map[string]float64 {
	updates := make(map[string]float64)

	for _, symbol := range symbols {
		endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?interval=1d&range=1d", p.cfg.YahooURL, url.PathEscape(symbol))

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			continue
		}
		req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")

		resp, err := p.httpClient.Do(req)
		if err != nil {
			p.logger.Debug("Quote request failed", zap.String("symbol", symbol), zap.Error(err))
			continue
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			p.logger.Debug("Quote request rejected", zap.String("symbol", symbol), zap.Int("status", resp.StatusCode))
			continue
		}

		var payload struct {
			Chart struct {
				Result []struct {
					Meta struct {
						Symbol             string  `json:"symbol"`
						RegularMarketPrice float64 `json:"regularMarketPrice"`
					} `json:"meta"`
				} `json:"result"`
			} `json:"chart"`
		}

		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			resp.Body.Close()
			continue
		}
		resp.Body.Close()

		if len(payload.Chart.Result) > 0 {
			updates[symbol] = payload.Chart.Result[0].Meta.RegularMarketPrice
		}
	}

	return updates
}

func (p *Provider) fetchCoinGeckoPrices(ctx context.Context, symbols map[string]string) (map[string]float64, error) {
	ids := make([]string, 0, len(symbols))
	for _, id := range symbols {
		ids = append(ids, id)
	}
	values := url.Values{}
	values.Set("ids", strings.Join(ids, ","))
	values.Set("vs_currencies", "usd")
	endpoint := p.cfg.CoinGeckoURL + "/api/v3/simple/price?" + values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create coingecko request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch coingecko prices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("coingecko status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload map[string]struct {
		USD float64 `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode coingecko prices: %w", err)
	}

	updates := make(map[string]float64)
	for symbol, id := range symbols {
		if val, ok := payload[id]; ok {
			updates[symbol] = val.USD
		}
	}
	return updates, nil
}

var coinGeckoIDs = map[string]string{
	"BTC":   "bitcoin",
	"ETH":   "ethereum",
	"SOL":   "solana",
	"DOGE":  "dogecoin",
	"ADA":   "cardano",
	"XRP":   "ripple",
	"DOT":   "polkadot",
	"AVAX":  "avalanche-2",
	"MATIC": "matic-network",
	"LINK":  "chainlink",
}
