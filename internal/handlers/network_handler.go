package handlers

import (
	"context"
	"math/big"
	"net/http"
	"time"

	"stablepay-backend/internal/clients"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// NetworkDetails static facts about the settlement network
type NetworkDetails struct {
	Name     string
	ChainID  int64
	Contract common.Address
	Sender   common.Address
	Mode     string
}

// NetworkHandler reports live chain state
type NetworkHandler struct {
	client  clients.LedgerClient
	details NetworkDetails
	timeout time.Duration
}

func NewNetworkHandler(client clients.LedgerClient, details NetworkDetails) *NetworkHandler {
	return &NetworkHandler{client: client, details: details, timeout: 10 * time.Second}
}

// GetNetworkInfoHandler chain id, head, gas price and sender balance
// GET /network/info
func (h *NetworkHandler) GetNetworkInfoHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	chainID, err := h.client.ChainID(ctx)
	if err != nil {
		h.ledgerUnavailable(c, "chain id", err)
		return
	}
	head, err := h.client.BlockNumber(ctx)
	if err != nil {
		h.ledgerUnavailable(c, "block number", err)
		return
	}
	gasPrice, err := h.client.SuggestGasPrice(ctx)
	if err != nil {
		h.ledgerUnavailable(c, "gas price", err)
		return
	}
	balance, err := h.client.BalanceAt(ctx, h.details.Sender, nil)
	if err != nil {
		h.ledgerUnavailable(c, "sender balance", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"network":            h.details.Name,
			"chain_id":           chainID.Int64(),
			"latest_block":       head,
			"gas_price_wei":      gasPrice.String(),
			"gas_price_gwei":     weiToUnit(gasPrice, params.GWei),
			"sender_address":     h.details.Sender.Hex(),
			"sender_balance_wei": balance.String(),
			"sender_balance_eth": weiToUnit(balance, params.Ether),
			"contract_address":   h.details.Contract.Hex(),
			"settlement_mode":    h.details.Mode,
		},
	})
}

func (h *NetworkHandler) ledgerUnavailable(c *gin.Context, what string, err error) {
	logrus.WithField("network", h.details.Name).Warnf("⚠️ [API] Failed to read %s: %v", what, err)
	respondWithError(c, http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE", "Failed to read "+what+" from the ledger", nil)
}

func weiToUnit(wei *big.Int, unit float64) string {
	return new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(unit)).Text('f', 6)
}
