package handlers

import (
	"github.com/upb/x402-guard/models"
)

// PolicyRequest carries the three limits in micro-units. Every field is required
// so a partial update can never zero a limit by omission.
type PolicyRequest struct {
	MaxPerTransaction *int64 `json:"max_per_transaction" validate:"required,gte=0"`
	DailyLimit        *int64 `json:"daily_limit" validate:"required,gte=0"`
	ApprovalThreshold *int64 `json:"approval_threshold" validate:"required,gte=0"`
}

func (p PolicyRequest) toModel() models.Policy {
	return models.Policy{
		MaxPerTransaction: *p.MaxPerTransaction,
		DailyLimit:        *p.DailyLimit,
		ApprovalThreshold: *p.ApprovalThreshold,
	}
}

// CreateGuardRequest represents a request to create a guarded account.
// The authenticated caller becomes the owner.
type CreateGuardRequest struct {
	Agent  string        `json:"agent" validate:"required,eth_addr"`
	Policy PolicyRequest `json:"policy"`
}

// SetAgentRequest replaces the agent address
type SetAgentRequest struct {
	Agent string `json:"agent" validate:"required,eth_addr"`
}

// EndpointRef names an endpoint either by hash or by URL
type EndpointRef struct {
	EndpointID *models.EndpointID `json:"endpoint_id,omitempty"`
	URL        string             `json:"url,omitempty" validate:"omitempty,max=2048"`
}

// resolve returns the hash the request refers to; the zero id when neither is given
func (e EndpointRef) resolve() models.EndpointID {
	if e.URL != "" {
		return models.HashEndpoint(e.URL)
	}
	if e.EndpointID != nil {
		return *e.EndpointID
	}
	return models.EndpointID{}
}

func (e EndpointRef) ambiguous() bool {
	return e.URL != "" && e.EndpointID != nil
}

// SetEndpointRequest adds or removes one allowlist entry
type SetEndpointRequest struct {
	EndpointRef
	Allowed *bool `json:"allowed" validate:"required"`
}

// SetAllowAllRequest toggles the allow-all flag
type SetAllowAllRequest struct {
	Allow *bool `json:"allow" validate:"required"`
}

// PaymentRequest is an agent payment in micro-units
type PaymentRequest struct {
	EndpointRef
	To     string `json:"to" validate:"required,eth_addr"`
	Amount int64  `json:"amount" validate:"gt=0"`
}

// CheckPaymentRequest simulates a payment without a recipient
type CheckPaymentRequest struct {
	EndpointRef
	Amount int64 `json:"amount" validate:"gt=0"`
}

// AmountRequest carries a funding or withdrawal amount in micro-units
type AmountRequest struct {
	Amount int64 `json:"amount" validate:"gt=0"`
}
