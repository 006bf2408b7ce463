package handlers

import (
	"context"
	"net/http"

	"stablepay-backend/internal/config"
	"stablepay-backend/internal/services"

	"github.com/gin-gonic/gin"
)

// StablecoinCatalog the stablecoins configured for settlement
type StablecoinCatalog interface {
	Symbols() []string
	Token(symbol string) (string, config.TokenConfig, bool)
}

// PriceBoard answers cached USD prices.
type PriceBoard interface {
	GetPrice(ctx context.Context, symbol string) (services.Quote, error)
	Prices(ctx context.Context, symbols []string) []services.Quote
}

// StablecoinHandler handles stablecoin price queries
type StablecoinHandler struct {
	catalog StablecoinCatalog
	prices  PriceBoard
}

func NewStablecoinHandler(catalog StablecoinCatalog, prices PriceBoard) *StablecoinHandler {
	return &StablecoinHandler{catalog: catalog, prices: prices}
}

// GetPricesHandler lists the prices of every configured stablecoin that
// currently has a usable quote.
// GET /stablecoins/prices
func (h *StablecoinHandler) GetPricesHandler(c *gin.Context) {
	symbols := h.catalog.Symbols()
	quotes := h.prices.Prices(c.Request.Context(), symbols)

	priced := make(map[string]bool, len(quotes))
	for _, q := range quotes {
		priced[q.Symbol] = true
	}
	var missing []string
	for _, symbol := range symbols {
		if !priced[symbol] {
			missing = append(missing, symbol)
		}
	}

	response := gin.H{
		"success": true,
		"data":    quotes,
		"count":   len(quotes),
	}
	if len(missing) > 0 {
		response["unavailable"] = missing
	}
	c.JSON(http.StatusOK, response)
}

// GetStablecoinHandler returns one stablecoin's token config and price
// GET /stablecoins/:symbol
func (h *StablecoinHandler) GetStablecoinHandler(c *gin.Context) {
	symbol, token, ok := h.catalog.Token(c.Param("symbol"))
	if !ok {
		respondWithError(c, http.StatusNotFound, "STABLECOIN_NOT_FOUND", "Unknown stablecoin: "+symbol, gin.H{
			"supported": h.catalog.Symbols(),
		})
		return
	}

	quote, err := h.prices.GetPrice(c.Request.Context(), symbol)
	if err != nil {
		respondWithServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"symbol":        symbol,
			"token_address": token.Address,
			"decimals":      token.Decimals,
			"price":         quote,
		},
	})
}
