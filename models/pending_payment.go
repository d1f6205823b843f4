package models

import (
	"time"

	"github.com/google/uuid"
)

// PaymentStatus is the derived lifecycle state of a pending payment
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusExecuted PaymentStatus = "executed"
	PaymentStatusRejected PaymentStatus = "rejected"
	PaymentStatusExpired  PaymentStatus = "expired"
)

// PendingPayment is a payment queued for owner approval.
// ID is the per-account queue index, assigned 0, 1, 2, ... and never reused.
type PendingPayment struct {
	ID         int64      `json:"id" db:"idx"`
	AccountID  uuid.UUID  `json:"account_id" db:"account_id"`
	To         string     `json:"to" db:"recipient"`
	Amount     int64      `json:"amount" db:"amount"`
	EndpointID EndpointID `json:"endpoint_id" db:"endpoint_id"`
	Expiry     time.Time  `json:"expiry" db:"expiry"`
	Executed   bool       `json:"executed" db:"executed"`
	Rejected   bool       `json:"rejected" db:"rejected"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
}

// TableName returns the table name for the PendingPayment model
func (PendingPayment) TableName() string {
	return "pending_payments"
}

// IsResolved reports whether the owner already approved or rejected the payment
func (p *PendingPayment) IsResolved() bool {
	return p.Executed || p.Rejected
}

// IsExpired reports whether an unresolved payment is past its expiry at now
func (p *PendingPayment) IsExpired(now time.Time) bool {
	return !p.IsResolved() && !p.Expiry.IsZero() && now.After(p.Expiry)
}

// Status derives the lifecycle state at now without mutating the record
func (p *PendingPayment) Status(now time.Time) PaymentStatus {
	switch {
	case p.Executed:
		return PaymentStatusExecuted
	case p.Rejected:
		return PaymentStatusRejected
	case p.IsExpired(now):
		return PaymentStatusExpired
	default:
		return PaymentStatusPending
	}
}

// MarkExecuted resolves the payment as approved and paid
func (p *PendingPayment) MarkExecuted(at time.Time) {
	p.Executed = true
	p.ResolvedAt = &at
}

// MarkRejected resolves the payment as rejected
func (p *PendingPayment) MarkRejected(at time.Time) {
	p.Rejected = true
	p.ResolvedAt = &at
}
