package services

import (
	"context"
	"fmt"
	"math/big"

	"stablepay-backend/internal/clients"
	"stablepay-backend/internal/contracts"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

// OutcomeKind how the ledger treated a mined settlement transaction
type OutcomeKind string

const (
	OutcomeConfirmed     OutcomeKind = "confirmed"
	OutcomeReturnedFalse OutcomeKind = "returned_false"
	OutcomeReverted      OutcomeKind = "reverted"
)

const (
	reasonUnknownRevert  = "execution reverted"
	reasonMissingEvent   = "no PaymentProcessed event in receipt"
	reasonPaymentFailure = "payment failed"
)

// Outcome is the tagged result of a mined settlement.
type Outcome struct {
	Kind            OutcomeKind
	Reason          string
	LedgerPaymentID common.Hash
	BlockNumber     uint64
}

func (o Outcome) Failed() bool { return o.Kind != OutcomeConfirmed }

// ClassifyReceipt maps a mined receipt to an Outcome. Reverted transactions
// are replayed with eth_call at the receipt block to recover the reason.
func ClassifyReceipt(ctx context.Context, client clients.LedgerClient, contract common.Address, receipt *types.Receipt) Outcome {
	block := receipt.BlockNumber.Uint64()

	if receipt.Status == types.ReceiptStatusFailed {
		return Outcome{
			Kind:        OutcomeReverted,
			Reason:      replayRevertReason(ctx, client, receipt.TxHash, receipt.BlockNumber),
			BlockNumber: block,
		}
	}

	if failed, ok := contracts.FindPaymentFailed(contract, receipt.Logs); ok {
		reason := failed.Reason
		if reason == "" {
			reason = reasonPaymentFailure
		}
		return Outcome{
			Kind:            OutcomeReturnedFalse,
			Reason:          reason,
			LedgerPaymentID: common.Hash(failed.PaymentId),
			BlockNumber:     block,
		}
	}
	if processed, ok := contracts.FindPaymentProcessed(contract, receipt.Logs); ok {
		return Outcome{
			Kind:            OutcomeConfirmed,
			LedgerPaymentID: common.Hash(processed.PaymentId),
			BlockNumber:     block,
		}
	}
	return Outcome{Kind: OutcomeReturnedFalse, Reason: reasonMissingEvent, BlockNumber: block}
}

func replayRevertReason(ctx context.Context, client clients.LedgerClient, txHash common.Hash, blockNumber *big.Int) string {
	tx, _, err := client.TransactionByHash(ctx, txHash)
	if err != nil {
		logrus.WithField("tx_hash", txHash.Hex()).Warnf("⚠️ [Outcome] Cannot load reverted transaction for replay: %v", err)
		return reasonUnknownRevert
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return reasonUnknownRevert
	}

	msg := ethereum.CallMsg{
		From:     from,
		To:       tx.To(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Value:    tx.Value(),
		Data:     tx.Data(),
	}
	_, err = client.CallContract(ctx, msg, blockNumber)
	if reason, ok := clients.RevertReason(err); ok {
		return reason
	}
	if err != nil {
		return fmt.Sprintf("%s: %v", reasonUnknownRevert, err)
	}
	return reasonUnknownRevert
}
