package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DeFiLlamaClient stablecoin price client for the DeFiLlama stablecoins API
type DeFiLlamaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewDeFiLlamaClient creates a new DeFiLlama client
func NewDeFiLlamaClient(baseURL string, timeout time.Duration) *DeFiLlamaClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &DeFiLlamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// StablecoinQuote one pegged asset as reported by DeFiLlama
type StablecoinQuote struct {
	Symbol            string
	Name              string
	PriceUSD          float64
	HasPrice          bool
	CirculatingPegged float64
}

type peggedAsset struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Symbol      string   `json:"symbol"`
	Price       *float64 `json:"price"`
	Circulating struct {
		PeggedUSD float64 `json:"peggedUSD"`
	} `json:"circulating"`
}

// stablecoinsResponse DeFiLlama has served the list under both keys
type stablecoinsResponse struct {
	PeggedAssets []peggedAsset `json:"peggedAssets"`
	Stablecoins  []peggedAsset `json:"stablecoins"`
}

// FetchStablecoins gets every pegged asset with its USD price. When a symbol
// appears more than once the entry with the largest circulation wins.
func (c *DeFiLlamaClient) FetchStablecoins(ctx context.Context) (map[string]StablecoinQuote, error) {
	url := c.baseURL
	if !strings.Contains(url, "includePrices") {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + "includePrices=true"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("DeFiLlama API error (status %d): %s", resp.StatusCode, string(body))
	}

	var parsed stablecoinsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	assets := parsed.PeggedAssets
	if len(assets) == 0 {
		assets = parsed.Stablecoins
	}

	quotes := make(map[string]StablecoinQuote, len(assets))
	for _, asset := range assets {
		symbol := strings.ToUpper(strings.TrimSpace(asset.Symbol))
		if symbol == "" {
			continue
		}
		quote := StablecoinQuote{
			Symbol:            symbol,
			Name:              asset.Name,
			CirculatingPegged: asset.Circulating.PeggedUSD,
		}
		if asset.Price != nil && *asset.Price > 0 {
			quote.PriceUSD = *asset.Price
			quote.HasPrice = true
		}
		if existing, ok := quotes[symbol]; ok && existing.CirculatingPegged >= quote.CirculatingPegged {
			continue
		}
		quotes[symbol] = quote
	}
	return quotes, nil
}
