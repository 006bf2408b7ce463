package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"stablepay-backend/internal/clients"
	"stablepay-backend/internal/contracts"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

// AdminTxResult the mined result of an owner operation
type AdminTxResult struct {
	Operation   string `json:"operation"`
	TxHash      string `json:"tx_hash"`
	Status      string `json:"status"`
	BlockNumber uint64 `json:"block_number"`
	GasUsed     uint64 `json:"gas_used"`
}

// ContractBalance custodial and actual token holdings of the contract
type ContractBalance struct {
	Token          string `json:"token"`
	Custodial      string `json:"custodial_balance"`
	TokenBalanceOf string `json:"token_balance"`
}

// LedgerPayment a payment as stored by the contract
type LedgerPayment struct {
	PaymentID string `json:"payment_id"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Token     string `json:"token"`
	Timestamp uint64 `json:"timestamp"`
	Completed bool   `json:"completed"`
}

// ContractAdminService runs owner-only contract operations and waits for
// their receipts. Reads work without an owner key.
type ContractAdminService struct {
	client       clients.LedgerClient
	caller       *clients.PaymentContractCaller
	owner        *Transactor // nil when no owner key is configured
	contract     common.Address
	pollInterval time.Duration
	mineTimeout  time.Duration
}

func NewContractAdminService(client clients.LedgerClient, contract common.Address, owner *Transactor) *ContractAdminService {
	return &ContractAdminService{
		client:       client,
		caller:       clients.NewPaymentContractCaller(client, contract),
		owner:        owner,
		contract:     contract,
		pollInterval: time.Second,
		mineTimeout:  2 * time.Minute,
	}
}

func (s *ContractAdminService) AddToken(ctx context.Context, token common.Address) (*AdminTxResult, error) {
	return s.execute(ctx, contracts.MethodAddAllowedToken, token)
}

func (s *ContractAdminService) RemoveToken(ctx context.Context, token common.Address) (*AdminTxResult, error) {
	return s.execute(ctx, contracts.MethodRemoveAllowedToken, token)
}

func (s *ContractAdminService) Withdraw(ctx context.Context, token common.Address, amount *big.Int) (*AdminTxResult, error) {
	return s.execute(ctx, contracts.MethodWithdrawFunds, token, amount)
}

func (s *ContractAdminService) WithdrawAll(ctx context.Context, token common.Address) (*AdminTxResult, error) {
	return s.execute(ctx, contracts.MethodWithdrawAllFunds, token)
}

func (s *ContractAdminService) EmergencyWithdraw(ctx context.Context, token, recipient common.Address, amount *big.Int) (*AdminTxResult, error) {
	return s.execute(ctx, contracts.MethodEmergencyWithdraw, token, recipient, amount)
}

// execute dry-runs the call, then signs, broadcasts and waits for the receipt.
// A revert in either phase is returned as a *SettlementFailure.
func (s *ContractAdminService) execute(ctx context.Context, method string, args ...interface{}) (*AdminTxResult, error) {
	if s.owner == nil {
		return nil, ErrOwnerKeyMissing
	}
	data, err := contracts.PaymentProcessor.Pack(method, args...)
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("cannot encode %s: %v", method, err)}
	}

	log := logrus.WithFields(logrus.Fields{"component": "admin", "operation": method})

	_, err = s.client.CallContract(ctx, ethereum.CallMsg{From: s.owner.From(), To: &s.contract, Data: data}, nil)
	if reason, ok := clients.RevertReason(err); ok {
		log.Warnf("⚠️ [Admin] %s would revert: %s", method, reason)
		return nil, &SettlementFailure{PaymentID: method, Outcome: Outcome{Kind: OutcomeReverted, Reason: reason}}
	}

	tx, err := s.owner.Build(ctx, s.contract, data)
	if err != nil {
		return nil, err
	}
	if err := s.owner.Broadcast(ctx, tx); err != nil {
		if !errors.Is(err, ErrBroadcastUncertain) {
			return nil, err
		}
		log.Warnf("⚠️ [Admin] %v, waiting for a receipt anyway", err)
	}
	log = log.WithField("tx_hash", tx.Hash().Hex())
	log.Infof("🚀 [Admin] %s submitted", method)

	receipt, err := s.waitMined(ctx, tx.Hash())
	if err != nil {
		return nil, err
	}

	result := &AdminTxResult{
		Operation:   method,
		TxHash:      tx.Hash().Hex(),
		Status:      "success",
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}
	if receipt.Status == types.ReceiptStatusFailed {
		outcome := ClassifyReceipt(ctx, s.client, s.contract, receipt)
		log.Errorf("❌ [Admin] %s reverted: %s", method, outcome.Reason)
		return nil, &SettlementFailure{PaymentID: method, TxHash: result.TxHash, Outcome: outcome}
	}
	log.Infof("✅ [Admin] %s mined in block %d", method, result.BlockNumber)
	return result, nil
}

// waitMined polls for the receipt like bind.WaitMined.
func (s *ContractAdminService) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.mineTimeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := s.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !clients.IsNotFound(err) {
			logrus.WithField("tx_hash", hash.Hex()).Debugf("[Admin] Receipt lookup failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil, &ConfirmationTimeout{PaymentID: "admin", TxHash: hash.Hex(), Waited: s.mineTimeout}
		case <-ticker.C:
		}
	}
}

func (s *ContractAdminService) IsTokenAllowed(ctx context.Context, token common.Address) (bool, error) {
	return s.caller.IsTokenAllowed(ctx, token)
}

func (s *ContractAdminService) Balance(ctx context.Context, token common.Address) (*ContractBalance, error) {
	custodial, err := s.caller.GetTokenBalance(ctx, token)
	if err != nil {
		return nil, err
	}
	held, err := s.caller.TokenBalanceOf(ctx, token, s.contract)
	if err != nil {
		return nil, err
	}
	return &ContractBalance{Token: token.Hex(), Custodial: custodial.String(), TokenBalanceOf: held.String()}, nil
}

func (s *ContractAdminService) PaymentCount(ctx context.Context) (*big.Int, error) {
	return s.caller.GetPaymentCount(ctx)
}

func (s *ContractAdminService) Owner(ctx context.Context) (common.Address, error) {
	return s.caller.Owner(ctx)
}

// LedgerPayment reads a payment stored by the contract. Unknown ids come
// back with Completed false and zero fields.
func (s *ContractAdminService) LedgerPayment(ctx context.Context, paymentID common.Hash) (*LedgerPayment, error) {
	record, err := s.caller.GetPaymentStatus(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	out := &LedgerPayment{
		PaymentID: common.Hash(record.PaymentId).Hex(),
		Recipient: record.Recipient.Hex(),
		Token:     record.Token.Hex(),
		Completed: record.Completed,
	}
	if record.Amount != nil {
		out.Amount = record.Amount.String()
	}
	if record.Timestamp != nil {
		out.Timestamp = record.Timestamp.Uint64()
	}
	return out, nil
}
