package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Event is a log entry emitted by the payment contract.
type Event interface {
	EventName() string
}

type PaymentProcessed struct {
	PaymentID common.Hash
	Sender    common.Address
	Recipient common.Address
	Token     common.Address
	Amount    *big.Int
	Timestamp uint64
}

type PaymentFailed struct {
	PaymentID common.Hash
	Sender    common.Address
	Reason    string
}

type FundsWithdrawn struct {
	Token     common.Address
	Recipient common.Address
	Amount    *big.Int
}

type TokenAdded struct {
	Token common.Address
}

type TokenRemoved struct {
	Token common.Address
}

func (PaymentProcessed) EventName() string { return "PaymentProcessed" }
func (PaymentFailed) EventName() string    { return "PaymentFailed" }
func (FundsWithdrawn) EventName() string   { return "FundsWithdrawn" }
func (TokenAdded) EventName() string       { return "TokenAdded" }
func (TokenRemoved) EventName() string     { return "TokenRemoved" }
