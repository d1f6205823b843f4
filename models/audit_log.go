package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of state transition being audited
type AuditAction string

const (
	AuditActionGuardCreated        AuditAction = "guard_created"
	AuditActionPolicyUpdated       AuditAction = "policy_updated"
	AuditActionAgentUpdated        AuditAction = "agent_updated"
	AuditActionEndpointAllowed     AuditAction = "endpoint_allowed"
	AuditActionAllEndpointsToggled AuditAction = "all_endpoints_toggled"
	AuditActionPaymentExecuted     AuditAction = "payment_executed"
	AuditActionPaymentBlocked      AuditAction = "payment_blocked"
	AuditActionPaymentQueued       AuditAction = "payment_queued"
	AuditActionPaymentApproved     AuditAction = "payment_approved"
	AuditActionPaymentRejected     AuditAction = "payment_rejected"
	AuditActionFunded              AuditAction = "funded"
	AuditActionWithdrawn           AuditAction = "withdrawn"
	AuditActionAccessDenied        AuditAction = "access_denied"
)

// AuditLog represents an audit trail entry for one guarded account
type AuditLog struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	AccountID    uuid.UUID       `json:"account_id" db:"account_id"`
	Action       AuditAction     `json:"action" db:"action"`
	Actor        string          `json:"actor" db:"actor"`
	Counterparty *string         `json:"counterparty,omitempty" db:"counterparty"`
	Amount       *int64          `json:"amount,omitempty" db:"amount"`
	PaymentID    *int64          `json:"payment_id,omitempty" db:"payment_id"`
	EndpointID   *EndpointID     `json:"endpoint_id,omitempty" db:"endpoint_id"`
	Details      json.RawMessage `json:"details,omitempty" db:"details"` // JSONB for event-specific fields
	RequestID    string          `json:"request_id" db:"request_id"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// TableName returns the table name for the AuditLog model
func (AuditLog) TableName() string {
	return "audit_logs"
}

// NewAuditLog creates a new AuditLog instance
func NewAuditLog(accountID uuid.UUID, action AuditAction, actor string) *AuditLog {
	return &AuditLog{
		ID:        uuid.New(),
		AccountID: accountID,
		Action:    action,
		Actor:     actor,
		Timestamp: time.Now().UTC(),
	}
}

// WithCounterparty sets the other side of a value movement
func (a *AuditLog) WithCounterparty(addr string) *AuditLog {
	a.Counterparty = &addr
	return a
}

// WithAmount sets the affected amount
func (a *AuditLog) WithAmount(amount int64) *AuditLog {
	a.Amount = &amount
	return a
}

// WithPayment sets the pending payment index
func (a *AuditLog) WithPayment(id int64) *AuditLog {
	a.PaymentID = &id
	return a
}

// WithEndpoint sets the endpoint the event refers to
func (a *AuditLog) WithEndpoint(id EndpointID) *AuditLog {
	a.EndpointID = &id
	return a
}

// WithDetails sets the details
func (a *AuditLog) WithDetails(details interface{}) *AuditLog {
	if data, err := json.Marshal(details); err == nil {
		a.Details = data
	}
	return a
}

// WithRequest sets request metadata
func (a *AuditLog) WithRequest(requestID string) *AuditLog {
	a.RequestID = requestID
	return a
}

// At overrides the timestamp
func (a *AuditLog) At(ts time.Time) *AuditLog {
	a.Timestamp = ts.UTC()
	return a
}
