package models

// Outcome is the result class of a payment evaluation
type Outcome string

const (
	OutcomeAllowed       Outcome = "allowed"
	OutcomeNeedsApproval Outcome = "needs_approval"
	OutcomeBlocked       Outcome = "blocked"
)

// BlockReason names the policy check that blocked a payment
type BlockReason string

const (
	ReasonNone                       BlockReason = ""
	ReasonExceedsPerTransactionLimit BlockReason = "ExceedsPerTransactionLimit"
	ReasonExceedsDailyLimit          BlockReason = "ExceedsDailyLimit"
	ReasonEndpointNotAllowed         BlockReason = "EndpointNotAllowed"
)

// Decision is what the authorizer concluded for one payment request
type Decision struct {
	Outcome         Outcome     `json:"outcome"`
	Reason          BlockReason `json:"reason,omitempty"`
	PaymentID       *int64      `json:"payment_id,omitempty"`
	DailySpentAfter *int64      `json:"daily_spent_after,omitempty"`
}

// Allowed returns an allowed decision
func Allowed() Decision {
	return Decision{Outcome: OutcomeAllowed}
}

// NeedsApproval returns a decision that queues the payment
func NeedsApproval() Decision {
	return Decision{Outcome: OutcomeNeedsApproval}
}

// Blocked returns a blocked decision with reason
func Blocked(reason BlockReason) Decision {
	return Decision{Outcome: OutcomeBlocked, Reason: reason}
}

// IsAllowed reports whether the payment may be committed right away
func (d Decision) IsAllowed() bool {
	return d.Outcome == OutcomeAllowed
}

// IsBlocked reports whether the payment was rejected by policy
func (d Decision) IsBlocked() bool {
	return d.Outcome == OutcomeBlocked
}

// RequiresApproval reports whether the payment was queued
func (d Decision) RequiresApproval() bool {
	return d.Outcome == OutcomeNeedsApproval
}

// CheckResult is the read-only simulation of a payment
type CheckResult struct {
	Allowed       bool        `json:"allowed"`
	NeedsApproval bool        `json:"needs_approval"`
	Reason        BlockReason `json:"reason,omitempty"`
}
