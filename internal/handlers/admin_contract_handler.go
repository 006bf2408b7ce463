package handlers

import (
	"context"
	"math/big"
	"net/http"
	"regexp"
	"strings"

	"stablepay-backend/internal/services"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

var bytes32Pattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ContractAdmin owner operations and reads on the payment contract
type ContractAdmin interface {
	AddToken(ctx context.Context, token common.Address) (*services.AdminTxResult, error)
	RemoveToken(ctx context.Context, token common.Address) (*services.AdminTxResult, error)
	IsTokenAllowed(ctx context.Context, token common.Address) (bool, error)
	Withdraw(ctx context.Context, token common.Address, amount *big.Int) (*services.AdminTxResult, error)
	WithdrawAll(ctx context.Context, token common.Address) (*services.AdminTxResult, error)
	EmergencyWithdraw(ctx context.Context, token, recipient common.Address, amount *big.Int) (*services.AdminTxResult, error)
	Balance(ctx context.Context, token common.Address) (*services.ContractBalance, error)
	PaymentCount(ctx context.Context) (*big.Int, error)
	LedgerPayment(ctx context.Context, paymentID common.Hash) (*services.LedgerPayment, error)
}

// AdminContractHandler exposes owner-only contract operations
type AdminContractHandler struct {
	admin ContractAdmin
}

func NewAdminContractHandler(admin ContractAdmin) *AdminContractHandler {
	return &AdminContractHandler{admin: admin}
}

type tokenRequest struct {
	Address string `json:"address" binding:"required"`
}

type withdrawRequest struct {
	Token  string `json:"token" binding:"required"`
	Amount string `json:"amount"` // base units
}

type emergencyWithdrawRequest struct {
	Token     string `json:"token" binding:"required"`
	Recipient string `json:"recipient" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
}

// AddTokenHandler POST /admin/tokens
func (h *AdminContractHandler) AddTokenHandler(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, http.StatusBadRequest, services.CodeValidation, "Invalid request body", err.Error())
		return
	}
	token, ok := parseAddress(c, "address", req.Address)
	if !ok {
		return
	}
	h.respondTx(c, "addAllowedToken", func(ctx context.Context) (*services.AdminTxResult, error) {
		return h.admin.AddToken(ctx, token)
	})
}

// RemoveTokenHandler DELETE /admin/tokens/:address
func (h *AdminContractHandler) RemoveTokenHandler(c *gin.Context) {
	token, ok := parseAddress(c, "address", c.Param("address"))
	if !ok {
		return
	}
	h.respondTx(c, "removeAllowedToken", func(ctx context.Context) (*services.AdminTxResult, error) {
		return h.admin.RemoveToken(ctx, token)
	})
}

// GetTokenHandler GET /admin/tokens/:address
func (h *AdminContractHandler) GetTokenHandler(c *gin.Context) {
	token, ok := parseAddress(c, "address", c.Param("address"))
	if !ok {
		return
	}
	allowed, err := h.admin.IsTokenAllowed(c.Request.Context(), token)
	if err != nil {
		respondWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"token":   token.Hex(),
			"allowed": allowed,
		},
	})
}

// WithdrawHandler POST /admin/withdraw
func (h *AdminContractHandler) WithdrawHandler(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, http.StatusBadRequest, services.CodeValidation, "Invalid request body", err.Error())
		return
	}
	token, ok := parseAddress(c, "token", req.Token)
	if !ok {
		return
	}
	amount, ok := parseBaseUnits(c, req.Amount)
	if !ok {
		return
	}
	h.respondTx(c, "withdrawFunds", func(ctx context.Context) (*services.AdminTxResult, error) {
		return h.admin.Withdraw(ctx, token, amount)
	})
}

// WithdrawAllHandler POST /admin/withdraw-all
func (h *AdminContractHandler) WithdrawAllHandler(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, http.StatusBadRequest, services.CodeValidation, "Invalid request body", err.Error())
		return
	}
	token, ok := parseAddress(c, "token", req.Token)
	if !ok {
		return
	}
	h.respondTx(c, "withdrawAllFunds", func(ctx context.Context) (*services.AdminTxResult, error) {
		return h.admin.WithdrawAll(ctx, token)
	})
}

// EmergencyWithdrawHandler POST /admin/emergency-withdraw
func (h *AdminContractHandler) EmergencyWithdrawHandler(c *gin.Context) {
	var req emergencyWithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, http.StatusBadRequest, services.CodeValidation, "Invalid request body", err.Error())
		return
	}
	token, ok := parseAddress(c, "token", req.Token)
	if !ok {
		return
	}
	recipient, ok := parseAddress(c, "recipient", req.Recipient)
	if !ok {
		return
	}
	amount, ok := parseBaseUnits(c, req.Amount)
	if !ok {
		return
	}
	h.respondTx(c, "emergencyWithdraw", func(ctx context.Context) (*services.AdminTxResult, error) {
		return h.admin.EmergencyWithdraw(ctx, token, recipient, amount)
	})
}

// GetContractBalanceHandler GET /admin/contract/balance/:token
func (h *AdminContractHandler) GetContractBalanceHandler(c *gin.Context) {
	token, ok := parseAddress(c, "token", c.Param("token"))
	if !ok {
		return
	}
	balance, err := h.admin.Balance(c.Request.Context(), token)
	if err != nil {
		respondWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": balance})
}

// GetPaymentCountHandler GET /admin/contract/payment-count
func (h *AdminContractHandler) GetPaymentCountHandler(c *gin.Context) {
	count, err := h.admin.PaymentCount(c.Request.Context())
	if err != nil {
		respondWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"payment_count": count.String()}})
}

// GetLedgerPaymentHandler GET /admin/contract/payments/:ledger_payment_id
func (h *AdminContractHandler) GetLedgerPaymentHandler(c *gin.Context) {
	raw := c.Param("ledger_payment_id")
	if !bytes32Pattern.MatchString(raw) {
		respondWithError(c, http.StatusBadRequest, services.CodeValidation, "ledger_payment_id must be 0x followed by 64 hex characters", nil)
		return
	}
	record, err := h.admin.LedgerPayment(c.Request.Context(), common.HexToHash(raw))
	if err != nil {
		respondWithServiceError(c, err)
		return
	}
	if !record.Completed {
		respondWithError(c, http.StatusNotFound, services.CodePaymentNotFound, "No completed payment with this id on the contract", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": record})
}

func (h *AdminContractHandler) respondTx(c *gin.Context, operation string, run func(ctx context.Context) (*services.AdminTxResult, error)) {
	result, err := run(c.Request.Context())
	if err != nil {
		respondWithServiceError(c, err)
		return
	}
	logrus.WithFields(logrus.Fields{
		"operation": operation,
		"tx_hash":   result.TxHash,
		"admin":     c.GetString("admin_username"),
	}).Info("🔐 [Admin] Contract operation completed")
	c.JSON(http.StatusOK, gin.H{"success": true, "data": result})
}

func parseAddress(c *gin.Context, field, value string) (common.Address, bool) {
	value = strings.TrimSpace(value)
	if !common.IsHexAddress(value) || !strings.HasPrefix(value, "0x") {
		respondWithError(c, http.StatusBadRequest, services.CodeValidation, field+" must be 0x followed by 40 hex characters", gin.H{"field": field})
		return common.Address{}, false
	}
	return common.HexToAddress(value), true
}

func parseBaseUnits(c *gin.Context, value string) (*big.Int, bool) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok || amount.Sign() <= 0 {
		respondWithError(c, http.StatusBadRequest, services.CodeValidation, "amount must be a positive integer in token base units", gin.H{"field": "amount"})
		return nil, false
	}
	return amount, true
}
