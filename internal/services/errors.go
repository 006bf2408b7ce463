package services

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error codes returned to API clients
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeTokenNotAllowed     = "TOKEN_NOT_ALLOWED"
	CodePriceUnavailable    = "PRICE_UNAVAILABLE"
	CodeSubmissionFailed    = "SUBMISSION_FAILED"
	CodeSettlementFailed    = "SETTLEMENT_FAILED"
	CodeConfirmationTimeout = "CONFIRMATION_TIMEOUT"
	CodePaymentNotFound     = "PAYMENT_NOT_FOUND"
	CodePaymentExists       = "PAYMENT_EXISTS"
	CodePaymentTerminal     = "PAYMENT_NOT_CANCELLABLE"
	CodeAdminUnavailable    = "ADMIN_UNAVAILABLE"
	CodeLedgerUnavailable   = "LEDGER_UNAVAILABLE"
)

var (
	ErrPaymentNotFound = errors.New("payment not found")
	ErrPaymentExists   = errors.New("payment already exists")
	ErrStaleUpdate     = errors.New("stale status update")
	ErrPaymentTerminal = errors.New("payment is already in a terminal state")
	ErrPaymentCanceled = errors.New("payment was cancelled")
	ErrOwnerKeyMissing = errors.New("contract owner key not configured")
	ErrQueueStopped    = errors.New("submission queue stopped")
)

// CodedError is an error that carries an API code and HTTP status.
type CodedError interface {
	error
	Code() string
	HTTPStatus() int
}

// ValidationError rejects a request before anything touches the ledger.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Code() string   { return CodeValidation }
func (e *ValidationError) HTTPStatus() int { return http.StatusBadRequest }

// NotAllowedError the stablecoin is not on the contract allow-list.
type NotAllowedError struct {
	Symbol string
	Token  string
}

func (e *NotAllowedError) Error() string {
	return fmt.Sprintf("token %s (%s) is not allowed by the payment contract", e.Symbol, e.Token)
}

func (e *NotAllowedError) Code() string   { return CodeTokenNotAllowed }
func (e *NotAllowedError) HTTPStatus() int { return http.StatusUnprocessableEntity }

// PriceUnavailableError no fresh quote exists for the stablecoin.
type PriceUnavailableError struct {
	Symbol string
	Err    error
}

func (e *PriceUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("price unavailable for %s", e.Symbol)
	}
	return fmt.Sprintf("price unavailable for %s: %v", e.Symbol, e.Err)
}

func (e *PriceUnavailableError) Unwrap() error  { return e.Err }
func (e *PriceUnavailableError) Code() string   { return CodePriceUnavailable }
func (e *PriceUnavailableError) HTTPStatus() int { return http.StatusServiceUnavailable }

// SubmissionError the transaction never reached the network.
type SubmissionError struct {
	Reason   string
	Attempts int
	Err      error
}

func (e *SubmissionError) Error() string {
	msg := "transaction submission failed"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SubmissionError) Unwrap() error  { return e.Err }
func (e *SubmissionError) Code() string   { return CodeSubmissionFailed }
func (e *SubmissionError) HTTPStatus() int { return http.StatusBadGateway }

// SettlementFailure the ledger rejected the payment.
type SettlementFailure struct {
	PaymentID string
	TxHash    string
	Outcome   Outcome
}

func (e *SettlementFailure) Error() string {
	return fmt.Sprintf("settlement %s failed (%s): %s", e.PaymentID, e.Outcome.Kind, e.Outcome.Reason)
}

func (e *SettlementFailure) Code() string   { return CodeSettlementFailed }
func (e *SettlementFailure) HTTPStatus() int { return http.StatusConflict }

// ConfirmationTimeout the transaction did not reach the required depth in time.
type ConfirmationTimeout struct {
	PaymentID string
	TxHash    string
	Waited    time.Duration
}

func (e *ConfirmationTimeout) Error() string {
	if e.Waited > 0 {
		return fmt.Sprintf("payment %s not confirmed after %s", e.PaymentID, e.Waited)
	}
	return fmt.Sprintf("payment %s not confirmed in time", e.PaymentID)
}

func (e *ConfirmationTimeout) Code() string   { return CodeConfirmationTimeout }
func (e *ConfirmationTimeout) HTTPStatus() int { return http.StatusAccepted }

// ErrorStatus maps err to an HTTP status and API code.
func ErrorStatus(err error) (int, string) {
	var coded CodedError
	switch {
	case errors.As(err, &coded):
		return coded.HTTPStatus(), coded.Code()
	case errors.Is(err, ErrPaymentNotFound):
		return http.StatusNotFound, CodePaymentNotFound
	case errors.Is(err, ErrPaymentExists):
		return http.StatusConflict, CodePaymentExists
	case errors.Is(err, ErrPaymentTerminal), errors.Is(err, ErrPaymentCanceled):
		return http.StatusConflict, CodePaymentTerminal
	case errors.Is(err, ErrOwnerKeyMissing):
		return http.StatusServiceUnavailable, CodeAdminUnavailable
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}
