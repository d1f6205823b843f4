package models

import (
	"time"

	"github.com/google/uuid"
)

// Policy holds the three spending limits of a guarded account
type Policy struct {
	MaxPerTransaction int64 `json:"max_per_transaction" yaml:"max_per_transaction" validate:"gte=0"`
	DailyLimit        int64 `json:"daily_limit" yaml:"daily_limit" validate:"gte=0"`
	ApprovalThreshold int64 `json:"approval_threshold" yaml:"approval_threshold" validate:"gte=0"`
}

// GuardedAccount is the policy state of one protected wallet
type GuardedAccount struct {
	ID                uuid.UUID `json:"id" db:"id"`
	Owner             string    `json:"owner" db:"owner"`
	Agent             string    `json:"agent" db:"agent"`
	MaxPerTransaction int64     `json:"max_per_transaction" db:"max_per_transaction"`
	DailyLimit        int64     `json:"daily_limit" db:"daily_limit"`
	ApprovalThreshold int64     `json:"approval_threshold" db:"approval_threshold"`
	DailySpent        int64     `json:"daily_spent" db:"daily_spent"`
	TotalSpent        int64     `json:"total_spent" db:"total_spent"`
	LastResetDay      int64     `json:"last_reset_day" db:"last_reset_day"`
	AllowAllEndpoints bool      `json:"allow_all_endpoints" db:"allow_all_endpoints"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the GuardedAccount model
func (GuardedAccount) TableName() string {
	return "guarded_accounts"
}

// NewGuardedAccount creates an account whose daily window starts at day
func NewGuardedAccount(owner, agent string, policy Policy, day int64) *GuardedAccount {
	now := time.Now().UTC()
	return &GuardedAccount{
		ID:                uuid.New(),
		Owner:             owner,
		Agent:             agent,
		MaxPerTransaction: policy.MaxPerTransaction,
		DailyLimit:        policy.DailyLimit,
		ApprovalThreshold: policy.ApprovalThreshold,
		LastResetDay:      day,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Policy returns the account's current limits
func (a *GuardedAccount) Policy() Policy {
	return Policy{
		MaxPerTransaction: a.MaxPerTransaction,
		DailyLimit:        a.DailyLimit,
		ApprovalThreshold: a.ApprovalThreshold,
	}
}

// SetPolicy replaces all three limits
func (a *GuardedAccount) SetPolicy(p Policy) {
	a.MaxPerTransaction = p.MaxPerTransaction
	a.DailyLimit = p.DailyLimit
	a.ApprovalThreshold = p.ApprovalThreshold
}

// Clone returns a copy that can be mutated without touching the original
func (a *GuardedAccount) Clone() *GuardedAccount {
	c := *a
	return &c
}

// ApplyDailyReset zeroes DailySpent when day differs from LastResetDay.
// It reports whether a reset happened.
func (a *GuardedAccount) ApplyDailyReset(day int64) bool {
	if day == a.LastResetDay {
		return false
	}
	a.DailySpent = 0
	a.LastResetDay = day
	return true
}

// EffectiveDailySpent is DailySpent as seen on the given day
func (a *GuardedAccount) EffectiveDailySpent(day int64) int64 {
	if day != a.LastResetDay {
		return 0
	}
	return a.DailySpent
}

// RemainingDailyBudget is how much can still be committed on the given day
func (a *GuardedAccount) RemainingDailyBudget(day int64) int64 {
	remaining := a.DailyLimit - a.EffectiveDailySpent(day)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordSpend adds amount to both spend counters
func (a *GuardedAccount) RecordSpend(amount int64) {
	a.DailySpent += amount
	a.TotalSpent += amount
}

// IsOwner reports whether addr is the account owner
func (a *GuardedAccount) IsOwner(addr string) bool {
	return addr != "" && addr == a.Owner
}

// IsAgent reports whether addr is the account agent
func (a *GuardedAccount) IsAgent(addr string) bool {
	return addr != "" && addr == a.Agent
}
