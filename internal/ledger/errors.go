package ledger

import (
	"errors"
	"fmt"
)

// Revert reasons. They match the require() messages of the deployed
// PaymentProcessor so that reasons decoded from a real chain and from the
// simulated chain compare equal.
const (
	ReasonOnlyOwner           = "Only owner"
	ReasonInvalidToken        = "Invalid token address"
	ReasonTokenAlreadyAllowed = "Token already allowed"
	ReasonTokenNotAllowed     = "Token not allowed"
	ReasonInvalidRecipient    = "Invalid recipient"
	ReasonInvalidAmount       = "Invalid amount"
	ReasonAmountTooLarge      = "Amount exceeds maximum"
	ReasonAlreadyProcessed    = "Payment already processed"
	ReasonInsufficientBalance = "Insufficient balance"
	ReasonNoFunds             = "No funds to withdraw"
	ReasonTransferFailed      = "Transfer failed"
	ReasonReentrantCall       = "ReentrancyGuard: reentrant call"

	// ReasonTokenPullFailed is carried by PaymentFailed, not by a revert.
	ReasonTokenPullFailed = "Token transfer failed"
)

// RevertError aborts a contract call. No state written by the call survives it.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("execution reverted: %s", e.Reason)
}

func revert(reason string) error {
	return &RevertError{Reason: reason}
}

// RevertReason reports the reason of a revert anywhere in err's chain.
func RevertReason(err error) (string, bool) {
	var re *RevertError
	if errors.As(err, &re) {
		return re.Reason, true
	}
	return "", false
}

// Token-level errors. A failing token call is surfaced to the contract as an
// error, which is how the contract treats an ERC-20 returning false.
var (
	ErrInsufficientTokenBalance = errors.New("token: transfer amount exceeds balance")
	ErrInsufficientAllowance    = errors.New("token: insufficient allowance")
	ErrInvalidTokenAmount       = errors.New("token: invalid amount")
)
