package guard

import (
	"context"

	"github.com/upb/x402-guard/models"
	"github.com/upb/x402-guard/repositories"
	"github.com/upb/x402-guard/services"
	"go.uber.org/zap"
)

// CreateGuardRequest describes a new guarded account
type CreateGuardRequest struct {
	Agent  string
	Policy models.Policy
}

// CreateGuard creates an account owned by caller. The allowlist starts
// empty and allow-all disabled.
func (s *Service) CreateGuard(ctx context.Context, caller string, req CreateGuardRequest) (*models.GuardedAccount, error) {
	owner, err := normalizeCaller(caller)
	if err != nil {
		return nil, err
	}
	agent, err := models.NormalizeAddress(req.Agent)
	if err != nil {
		return nil, services.ErrInvalidAddress.WithDetail("agent", req.Agent)
	}
	if err := validatePolicy(req.Policy); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	account := models.NewGuardedAccount(owner, agent, req.Policy, s.today())
	account.CreatedAt = now
	account.UpdatedAt = now

	ctx, span := s.tracer.Start(ctx, "guard.create_guard")
	defer span.End()

	err = services.WithTransaction(ctx, s.txManager, func(ctx context.Context, tx repositories.Transaction) error {
		if err := s.accounts.Create(ctx, account); err != nil {
			return services.WrapInternal("failed to create guarded account", err)
		}

		log := models.NewAuditLog(account.ID, models.AuditActionGuardCreated, owner).
			WithDetails(map[string]interface{}{
				"owner":               owner,
				"agent":               agent,
				"max_per_transaction": req.Policy.MaxPerTransaction,
				"daily_limit":         req.Policy.DailyLimit,
				"approval_threshold":  req.Policy.ApprovalThreshold,
			})
		return s.audit(ctx, log)
	})
	if err != nil {
		span.RecordError(err)
		return nil, classify(err)
	}

	s.logger.Info("guard created",
		zap.String("account_id", account.ID.String()),
		zap.String("owner", owner),
		zap.String("agent", agent))

	return account, nil
}

// ListGuardsByOwner returns every account administered by owner
func (s *Service) ListGuardsByOwner(ctx context.Context, owner string) ([]*models.GuardedAccount, error) {
	addr, err := models.NormalizeAddress(owner)
	if err != nil {
		return nil, services.ErrInvalidAddress.WithDetail("owner", owner)
	}
	accounts, err := s.accounts.ListByOwner(ctx, addr)
	if err != nil {
		return nil, services.WrapInternal("failed to list guards", err)
	}
	return accounts, nil
}

// ListGuards returns accounts in creation order
func (s *Service) ListGuards(ctx context.Context, limit, offset int) ([]*models.GuardedAccount, error) {
	if limit <= 0 || offset < 0 {
		return nil, services.ErrInvalidInput.WithDetail("limit", limit).WithDetail("offset", offset)
	}
	accounts, err := s.accounts.List(ctx, limit, offset)
	if err != nil {
		return nil, services.WrapInternal("failed to list guards", err)
	}
	return accounts, nil
}

// CountGuards returns the number of guarded accounts
func (s *Service) CountGuards(ctx context.Context) (int64, error) {
	count, err := s.accounts.Count(ctx)
	if err != nil {
		return 0, services.WrapInternal("failed to count guards", err)
	}
	return count, nil
}
