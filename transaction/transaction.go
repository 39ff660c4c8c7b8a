package transaction

import (
	"time"

	"github.com/zllovesuki/subledger/event"
)

// Status of a payment attempt
type Status string

// Defining the payment attempt outcomes. Only Succeeded may later become Refunded.
const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
	StatusPending   Status = "pending"
)

// Record is one payment attempt. Records are append-only.
type Record struct {
	ID                     string         `json:"id" gorm:"primaryKey"`
	SubscriptionID         string         `json:"subscriptionId" gorm:"index"`
	UserID                 string         `json:"userId" gorm:"index"`
	PlanID                 string         `json:"planId"`
	Provider               event.Provider `json:"provider" gorm:"uniqueIndex:idx_transaction_records_event;uniqueIndex:idx_transaction_records_payment,where:provider_transaction_ref <> ''"`
	Status                 Status         `json:"status" gorm:"uniqueIndex:idx_transaction_records_payment,where:provider_transaction_ref <> ''"`
	Amount                 int64          `json:"amount"`   // Minor units
	Currency               string         `json:"currency"` // Lower-case ISO 4217
	PaidAt                 *time.Time     `json:"paidAt"`
	FailureReason          string         `json:"failureReason,omitempty"`
	ProviderTransactionRef string         `json:"providerTransactionRef" gorm:"index;uniqueIndex:idx_transaction_records_payment,where:provider_transaction_ref <> ''"` // Invoice, order or transaction ID
	EventRef               string         `json:"eventRef" gorm:"uniqueIndex:idx_transaction_records_event"`                                                        // Raw event that produced the record
	RefundedAt             *time.Time     `json:"refundedAt"`
	CreatedAt              time.Time      `json:"createdAt"`
}
