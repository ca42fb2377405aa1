package model

import "time"

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"   // checkout created; awaiting any provider verdict
	PaymentStatusCompleted PaymentStatus = "completed" // provider confirmed the charge; terminal
	PaymentStatusFailed    PaymentStatus = "failed"    // provider rejected or the attempt expired; terminal
)

// Terminal reports whether no further transition is allowed from s.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusFailed
}

// Payment is one attempt to pay for one subscription via one gateway.
// Rows are created by the session initiator, mutated only through the
// ledger's conditional update, and never deleted.
type Payment struct {
	ID              string // ULID, ledger-assigned
	SubscriptionRef string
	Gateway         string
	Amount          int64  // minor units in Currency; converted once at session start
	Currency        string // e.g. "IQD", "USD"
	ExternalRef     *string
	Status          PaymentStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
	PaidAt          *time.Time
	ReturnURL       string
	Description     string
	Meta            map[string]interface{} // provider extras, stored as JSONB
}
