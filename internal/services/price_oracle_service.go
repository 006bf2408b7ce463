package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"stablepay-backend/internal/clients"
	"stablepay-backend/internal/config"
	"stablepay-backend/internal/metrics"

	"github.com/sirupsen/logrus"
)

const sourceStatic = "static"

// Quote a USD price for one stablecoin
type Quote struct {
	Symbol   string    `json:"symbol"`
	Name     string    `json:"name,omitempty"`
	USDPrice float64   `json:"usd_price"`
	AsOf     time.Time `json:"as_of"`
	Source   string    `json:"source"`
}

// Rat returns the price as an exact decimal.
func (q Quote) Rat() (*big.Rat, bool) {
	return new(big.Rat).SetString(strconv.FormatFloat(q.USDPrice, 'f', -1, 64))
}

// PriceSource answers USD prices for stablecoin symbols.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (Quote, error)
}

// StablecoinFetcher is the upstream price feed.
type StablecoinFetcher interface {
	FetchStablecoins(ctx context.Context) (map[string]clients.StablecoinQuote, error)
}

// PriceOracleService caches upstream stablecoin prices and refreshes them
// in the background. Failed refreshes keep serving the previous cache, but
// quotes older than the max quote age are never served.
type PriceOracleService struct {
	fetcher StablecoinFetcher
	ttl     time.Duration
	maxAge  time.Duration
	refresh time.Duration
	timeout time.Duration
	now     func() time.Time

	mu        sync.RWMutex
	cache     map[string]Quote
	fetchedAt time.Time
	static    map[string]Quote
	fetchMu   sync.Mutex

	stopChan  chan struct{}
	wg        sync.WaitGroup
	isRunning bool
}

func NewPriceOracleService(fetcher StablecoinFetcher, cfg config.PriceOracleConfig) *PriceOracleService {
	return &PriceOracleService{
		fetcher: fetcher,
		ttl:     cfg.CacheTTL(),
		maxAge:  cfg.MaxQuoteAge(),
		refresh: cfg.RefreshInterval(),
		timeout: cfg.Timeout(),
		now:     time.Now,
		cache:   make(map[string]Quote),
		static:  make(map[string]Quote),
	}
}

// SetStatic pins a symbol to a fixed price; used by simulated mode.
func (s *PriceOracleService) SetStatic(symbol string, price float64) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	s.mu.Lock()
	s.static[symbol] = Quote{Symbol: symbol, USDPrice: price, Source: sourceStatic}
	s.mu.Unlock()
}

// GetPrice returns a fresh quote or a *PriceUnavailableError.
func (s *PriceOracleService) GetPrice(ctx context.Context, symbol string) (Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	s.mu.RLock()
	if q, ok := s.static[symbol]; ok {
		s.mu.RUnlock()
		q.AsOf = s.now()
		return q, nil
	}
	q, ok := s.cache[symbol]
	fresh := !s.fetchedAt.IsZero() && s.now().Sub(s.fetchedAt) < s.ttl
	s.mu.RUnlock()

	var refreshErr error
	if !ok || !fresh {
		refreshErr = s.Refresh(ctx)
		s.mu.RLock()
		q, ok = s.cache[symbol]
		s.mu.RUnlock()
	} else {
		metrics.PriceOracleRequests.WithLabelValues("hit").Inc()
	}

	if !ok {
		if refreshErr == nil {
			refreshErr = errors.New("no quote from price feed")
		}
		return Quote{}, &PriceUnavailableError{Symbol: symbol, Err: refreshErr}
	}
	if age := s.now().Sub(q.AsOf); age > s.maxAge {
		metrics.PriceOracleRequests.WithLabelValues("stale").Inc()
		return Quote{}, &PriceUnavailableError{
			Symbol: symbol,
			Err:    fmt.Errorf("quote is stale (as of %s, max age %s)", q.AsOf.UTC().Format(time.RFC3339), s.maxAge),
		}
	}
	if q.USDPrice <= 0 {
		return Quote{}, &PriceUnavailableError{Symbol: symbol, Err: errors.New("non-positive price")}
	}
	return q, nil
}

// Prices lists quotes for the given symbols, skipping those without a fresh price.
func (s *PriceOracleService) Prices(ctx context.Context, symbols []string) []Quote {
	quotes := make([]Quote, 0, len(symbols))
	for _, symbol := range symbols {
		q, err := s.GetPrice(ctx, symbol)
		if err != nil {
			continue
		}
		quotes = append(quotes, q)
	}
	sort.Slice(quotes, func(i, j int) bool { return quotes[i].Symbol < quotes[j].Symbol })
	return quotes
}

// Refresh fetches the upstream feed once. Concurrent callers share a fetch.
func (s *PriceOracleService) Refresh(ctx context.Context) error {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	s.mu.RLock()
	justFetched := !s.fetchedAt.IsZero() && s.now().Sub(s.fetchedAt) < time.Second
	s.mu.RUnlock()
	if justFetched {
		return nil
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	upstream, err := s.fetcher.FetchStablecoins(ctx)
	if err != nil {
		metrics.PriceOracleRequests.WithLabelValues("error").Inc()
		logrus.Warnf("⚠️ [PriceOracle] Refresh failed, serving cached prices: %v", err)
		return err
	}
	metrics.PriceOracleRequests.WithLabelValues("refresh").Inc()

	now := s.now()
	s.mu.Lock()
	for symbol, u := range upstream {
		if !u.HasPrice {
			continue
		}
		s.cache[symbol] = Quote{Symbol: symbol, Name: u.Name, USDPrice: u.PriceUSD, AsOf: now, Source: "defillama"}
	}
	s.fetchedAt = now
	s.mu.Unlock()

	logrus.Debugf("📈 [PriceOracle] Refreshed %d stablecoin prices", len(upstream))
	return nil
}

// Start begins the background refresh loop.
func (s *PriceOracleService) Start() {
	s.mu.Lock()
	if s.isRunning || s.refresh <= 0 {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.refresh)
		defer ticker.Stop()

		_ = s.Refresh(context.Background())
		for {
			select {
			case <-s.stopChan:
				return
			case <-ticker.C:
				_ = s.Refresh(context.Background())
			}
		}
	}()

	logrus.Infof("✅ [PriceOracle] Price refresh started (%s interval)", s.refresh)
}

// Stop stops the refresh loop
func (s *PriceOracleService) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	logrus.Infof("🛑 [PriceOracle] Price refresh stopped")
}
