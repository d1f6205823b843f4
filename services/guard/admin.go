package guard

import (
	"context"

	"github.com/google/uuid"
	"github.com/upb/x402-guard/models"
	"github.com/upb/x402-guard/services"
	"go.uber.org/zap"
)

// SetPolicy replaces all three limits. A daily limit below the current
// spend is accepted and blocks further payments until the next reset.
func (s *Service) SetPolicy(ctx context.Context, accountID uuid.UUID, caller string, policy models.Policy) error {
	if err := validatePolicy(policy); err != nil {
		return err
	}
	caller, err := normalizeCaller(caller)
	if err != nil {
		return err
	}

	err = s.run(ctx, accountID, caller, CmdSetPolicy, func(ctx context.Context, account *models.GuardedAccount) error {
		previous := account.Policy()
		account.SetPolicy(policy)
		account.UpdatedAt = s.clock.Now()
		if err := s.accounts.Update(ctx, account); err != nil {
			return services.WrapInternal("failed to update policy", err)
		}

		log := models.NewAuditLog(account.ID, models.AuditActionPolicyUpdated, caller).
			WithDetails(map[string]interface{}{
				"max_per_transaction": policy.MaxPerTransaction,
				"daily_limit":         policy.DailyLimit,
				"approval_threshold":  policy.ApprovalThreshold,
				"previous":            previous,
			})
		return s.audit(ctx, log)
	})
	if err != nil {
		return err
	}

	s.logger.Info("policy updated",
		zap.String("account_id", accountID.String()),
		zap.Int64("max_per_transaction", policy.MaxPerTransaction),
		zap.Int64("daily_limit", policy.DailyLimit),
		zap.Int64("approval_threshold", policy.ApprovalThreshold))
	return nil
}

// SetAgent replaces the identity allowed to submit payments
func (s *Service) SetAgent(ctx context.Context, accountID uuid.UUID, caller, newAgent string) error {
	agent, err := models.NormalizeAddress(newAgent)
	if err != nil {
		return services.ErrInvalidAddress.WithDetail("agent", newAgent)
	}
	caller, err = normalizeCaller(caller)
	if err != nil {
		return err
	}

	return s.run(ctx, accountID, caller, CmdSetAgent, func(ctx context.Context, account *models.GuardedAccount) error {
		old := account.Agent
		account.Agent = agent
		account.UpdatedAt = s.clock.Now()
		if err := s.accounts.Update(ctx, account); err != nil {
			return services.WrapInternal("failed to update agent", err)
		}

		log := models.NewAuditLog(account.ID, models.AuditActionAgentUpdated, caller).
			WithDetails(map[string]interface{}{
				"old_agent": old,
				"new_agent": agent,
			})
		return s.audit(ctx, log)
	})
}

// GetAccount returns the stored account state
func (s *Service) GetAccount(ctx context.Context, accountID uuid.UUID) (*models.GuardedAccount, error) {
	var account *models.GuardedAccount
	err := s.view(ctx, accountID, func(a *models.GuardedAccount) error {
		account = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// ListEvents returns the audit history of an account, oldest first
func (s *Service) ListEvents(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*models.AuditLog, error) {
	if limit <= 0 || offset < 0 {
		return nil, services.ErrInvalidInput.WithDetail("limit", limit).WithDetail("offset", offset)
	}
	var logs []*models.AuditLog
	err := s.view(ctx, accountID, func(*models.GuardedAccount) error {
		var err error
		logs, err = s.auditLogs.ListByAccount(ctx, accountID, limit, offset)
		if err != nil {
			return services.WrapInternal("failed to list audit logs", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

func validatePolicy(p models.Policy) error {
	if p.MaxPerTransaction < 0 || p.DailyLimit < 0 || p.ApprovalThreshold < 0 {
		return services.ErrInvalidPolicy
	}
	return nil
}
