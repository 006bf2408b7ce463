package models

import (
	"strings"
	"time"
)

// PaymentStatus application-side payment lifecycle
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"   // submitted, waiting for confirmations
	PaymentStatusConfirmed PaymentStatus = "confirmed" // settled with the required confirmations
	PaymentStatusFailed    PaymentStatus = "failed"    // reverted, returned false, or timed out
	PaymentStatusCancelled PaymentStatus = "cancelled" // tracking stopped by an operator
)

// Failure reasons recorded on the payment
const (
	FailureReasonConfirmationTimeout = "confirmation-timeout"
	FailureReasonCancelled           = "cancelled"
)

// PaymentStatusPriority terminal statuses outrank pending; equal-rank
// terminal statuses never replace each other outside reconciliation.
var PaymentStatusPriority = map[PaymentStatus]int{
	PaymentStatusPending:   1,
	PaymentStatusConfirmed: 2,
	PaymentStatusFailed:    2,
	PaymentStatusCancelled: 2,
}

// ParsePaymentStatus accepts the status names case-insensitively.
func ParsePaymentStatus(s string) (PaymentStatus, bool) {
	status := PaymentStatus(strings.ToLower(strings.TrimSpace(s)))
	_, ok := PaymentStatusPriority[status]
	return status, ok
}

func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusConfirmed || s == PaymentStatusFailed || s == PaymentStatusCancelled
}

// Payment application payment record
type Payment struct {
	ID            string        `json:"payment_id" gorm:"primaryKey;type:varchar(36)"`
	TxHash        string        `json:"tx_hash" gorm:"type:varchar(66);uniqueIndex"`
	Status        PaymentStatus `json:"status" gorm:"type:varchar(20);not null;default:'pending';index"`
	Confirmations uint64        `json:"confirmations" gorm:"default:0"`
	BlockNumber   uint64        `json:"block_number,omitempty"`

	Stablecoin   string `json:"stablecoin" gorm:"type:varchar(10);index"`
	TokenAddress string `json:"token_address" gorm:"type:varchar(42)"`
	AmountUSD    string `json:"amount" gorm:"type:numeric(20,6)"`      // USD, decimal string
	TokenAmount  string `json:"token_amount" gorm:"type:numeric(78,0)"` // base units
	Recipient    string `json:"recipient_address" gorm:"type:varchar(42);index"`
	Sender       string `json:"sender_address" gorm:"type:varchar(42)"`
	Mode         string `json:"settlement_mode" gorm:"type:varchar(10)"`
	ChainID      int64  `json:"chain_id"`
	Description  string `json:"description,omitempty" gorm:"type:text"`

	LedgerPaymentID     string `json:"ledger_payment_id,omitempty" gorm:"type:varchar(66);index"`
	FailureReason       string `json:"failure_reason,omitempty" gorm:"type:text"`
	ErrorCode           string `json:"error_code,omitempty" gorm:"type:varchar(40)"`
	NeedsReconciliation bool   `json:"needs_reconciliation" gorm:"default:false;index"`

	ObservedAt  time.Time  `json:"observed_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

func (Payment) TableName() string {
	return "payments"
}

// Clone returns a copy that shares no pointers with p.
func (p *Payment) Clone() *Payment {
	cp := *p
	if p.ConfirmedAt != nil {
		t := *p.ConfirmedAt
		cp.ConfirmedAt = &t
	}
	return &cp
}

// PaymentStats registry aggregates
type PaymentStats struct {
	Total                 int64            `json:"total_payments"`
	ByStatus              map[string]int64 `json:"by_status"`
	TotalVolumeUSD        string           `json:"total_volume_usd"`
	ConfirmedVolumeUSD    string           `json:"confirmed_volume_usd"`
	NeedsReconciliation   int64            `json:"needs_reconciliation"`
	SuccessRatePercentage float64          `json:"success_rate_percentage"`
}
