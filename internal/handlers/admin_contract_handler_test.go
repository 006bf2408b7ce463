package handlers

import (
	"context"
	"math/big"
	"net/http"
	"testing"

	"stablepay-backend/internal/ledger"
	"stablepay-backend/internal/services"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	adminTestToken     = "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"
	adminTestRecipient = "0x00000000000000000000000000000000000000b0"
	adminTestTxHash    = "0x9f0a4f6cf1d3e0d98f3c64d6dfcb41f8e4c2b0c7f6d1c2a3b4e5f60718293a4b"
)

type fakeAdmin struct {
	allowed   map[common.Address]bool
	balance   *big.Int
	withdrawn *big.Int
	ownerless bool
}

func (f *fakeAdmin) tx(op string) (*services.AdminTxResult, error) {
	if f.ownerless {
		return nil, services.ErrOwnerKeyMissing
	}
	return &services.AdminTxResult{Operation: op, TxHash: adminTestTxHash, Status: "success", BlockNumber: 7}, nil
}

func (f *fakeAdmin) AddToken(ctx context.Context, token common.Address) (*services.AdminTxResult, error) {
	if f.allowed[token] {
		return nil, &services.SettlementFailure{PaymentID: "addAllowedToken", Outcome: services.Outcome{Kind: services.OutcomeReverted, Reason: ledger.ReasonTokenAlreadyAllowed}}
	}
	result, err := f.tx("addAllowedToken")
	if err == nil {
		f.allowed[token] = true
	}
	return result, err
}

func (f *fakeAdmin) RemoveToken(ctx context.Context, token common.Address) (*services.AdminTxResult, error) {
	delete(f.allowed, token)
	return f.tx("removeAllowedToken")
}

func (f *fakeAdmin) IsTokenAllowed(ctx context.Context, token common.Address) (bool, error) {
	return f.allowed[token], nil
}

func (f *fakeAdmin) Withdraw(ctx context.Context, token common.Address, amount *big.Int) (*services.AdminTxResult, error) {
	if amount.Cmp(f.balance) > 0 {
		return nil, &services.SettlementFailure{PaymentID: "withdrawFunds", Outcome: services.Outcome{Kind: services.OutcomeReverted, Reason: ledger.ReasonInsufficientBalance}}
	}
	f.withdrawn = amount
	return f.tx("withdrawFunds")
}

func (f *fakeAdmin) WithdrawAll(ctx context.Context, token common.Address) (*services.AdminTxResult, error) {
	f.withdrawn = f.balance
	return f.tx("withdrawAllFunds")
}

func (f *fakeAdmin) EmergencyWithdraw(ctx context.Context, token, recipient common.Address, amount *big.Int) (*services.AdminTxResult, error) {
	f.withdrawn = amount
	return f.tx("emergencyWithdraw")
}

func (f *fakeAdmin) Balance(ctx context.Context, token common.Address) (*services.ContractBalance, error) {
	return &services.ContractBalance{Token: token.Hex(), Custodial: f.balance.String(), TokenBalanceOf: f.balance.String()}, nil
}

func (f *fakeAdmin) PaymentCount(ctx context.Context) (*big.Int, error) {
	return big.NewInt(3), nil
}

func (f *fakeAdmin) LedgerPayment(ctx context.Context, paymentID common.Hash) (*services.LedgerPayment, error) {
	if paymentID == common.HexToHash(adminTestTxHash) {
		return &services.LedgerPayment{PaymentID: paymentID.Hex(), Amount: "1000000", Completed: true}, nil
	}
	return &services.LedgerPayment{PaymentID: paymentID.Hex()}, nil
}

func newAdminContractRouter(admin *fakeAdmin) *gin.Engine {
	h := NewAdminContractHandler(admin)
	r := gin.New()
	r.POST("/admin/tokens", h.AddTokenHandler)
	r.DELETE("/admin/tokens/:address", h.RemoveTokenHandler)
	r.GET("/admin/tokens/:address", h.GetTokenHandler)
	r.POST("/admin/withdraw", h.WithdrawHandler)
	r.POST("/admin/withdraw-all", h.WithdrawAllHandler)
	r.POST("/admin/emergency-withdraw", h.EmergencyWithdrawHandler)
	r.GET("/admin/contract/balance/:token", h.GetContractBalanceHandler)
	r.GET("/admin/contract/payment-count", h.GetPaymentCountHandler)
	r.GET("/admin/contract/payments/:ledger_payment_id", h.GetLedgerPaymentHandler)
	return r
}

func TestAdminContract_TokenAllowList(t *testing.T) {
	admin := &fakeAdmin{allowed: map[common.Address]bool{}, balance: big.NewInt(0)}
	r := newAdminContractRouter(admin)

	w := performRequest(r, http.MethodPost, "/admin/tokens", `{"address":"`+adminTestToken+`"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "addAllowedToken", decodeBody(t, w)["data"].(map[string]interface{})["operation"])

	w = performRequest(r, http.MethodGet, "/admin/tokens/"+adminTestToken, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["data"].(map[string]interface{})["allowed"])

	w = performRequest(r, http.MethodPost, "/admin/tokens", `{"address":"`+adminTestToken+`"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, services.CodeSettlementFailed, decodeBody(t, w)["error"])

	w = performRequest(r, http.MethodDelete, "/admin/tokens/"+adminTestToken, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, admin.allowed[common.HexToAddress(adminTestToken)])

	w = performRequest(r, http.MethodPost, "/admin/tokens", `{"address":"not-an-address"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminContract_Withdrawals(t *testing.T) {
	admin := &fakeAdmin{allowed: map[common.Address]bool{}, balance: big.NewInt(10_000_000)}
	r := newAdminContractRouter(admin)

	w := performRequest(r, http.MethodPost, "/admin/withdraw", `{"token":"`+adminTestToken+`","amount":"4000000"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "4000000", admin.withdrawn.String())

	w = performRequest(r, http.MethodPost, "/admin/withdraw", `{"token":"`+adminTestToken+`","amount":"20000000"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, decodeBody(t, w)["message"], ledger.ReasonInsufficientBalance)

	for _, amount := range []string{"", "0", "-5", "1.5"} {
		w = performRequest(r, http.MethodPost, "/admin/withdraw", `{"token":"`+adminTestToken+`","amount":"`+amount+`"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code, amount)
	}

	w = performRequest(r, http.MethodPost, "/admin/withdraw-all", `{"token":"`+adminTestToken+`"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = performRequest(r, http.MethodPost, "/admin/emergency-withdraw",
		`{"token":"`+adminTestToken+`","recipient":"`+adminTestRecipient+`","amount":"1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", admin.withdrawn.String())

	w = performRequest(r, http.MethodPost, "/admin/emergency-withdraw", `{"token":"`+adminTestToken+`","amount":"1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminContract_OwnerKeyMissing(t *testing.T) {
	admin := &fakeAdmin{allowed: map[common.Address]bool{}, balance: big.NewInt(1), ownerless: true}
	r := newAdminContractRouter(admin)

	w := performRequest(r, http.MethodPost, "/admin/withdraw-all", `{"token":"`+adminTestToken+`"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, services.CodeAdminUnavailable, decodeBody(t, w)["error"])

	// reads still work
	w = performRequest(r, http.MethodGet, "/admin/contract/balance/"+adminTestToken, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", decodeBody(t, w)["data"].(map[string]interface{})["custodial_balance"])

	w = performRequest(r, http.MethodGet, "/admin/contract/payment-count", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "3", decodeBody(t, w)["data"].(map[string]interface{})["payment_count"])
}

func TestAdminContract_LedgerPayment(t *testing.T) {
	r := newAdminContractRouter(&fakeAdmin{allowed: map[common.Address]bool{}, balance: big.NewInt(0)})

	w := performRequest(r, http.MethodGet, "/admin/contract/payments/"+adminTestTxHash, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1000000", decodeBody(t, w)["data"].(map[string]interface{})["amount"])

	w = performRequest(r, http.MethodGet, "/admin/contract/payments/0x"+common.Bytes2Hex(make([]byte, 32)), "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = performRequest(r, http.MethodGet, "/admin/contract/payments/0x1234", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
