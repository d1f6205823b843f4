package guard

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/upb/x402-guard/internal/observability"
	"github.com/upb/x402-guard/models"
	"github.com/upb/x402-guard/repositories"
	"github.com/upb/x402-guard/services"
	"go.uber.org/zap"
)

// PaymentRequest is what an agent submits for one payment
type PaymentRequest struct {
	To         string
	Amount     int64
	EndpointID models.EndpointID
}

// evaluate runs the ordered policy checks against account, applying the
// daily reset to it in place. The allowlist is consulted only once the
// amount fits both caps.
func (s *Service) evaluate(ctx context.Context, account *models.GuardedAccount, amount int64, endpoint models.EndpointID, day int64) (models.Decision, error) {
	if amount > account.MaxPerTransaction {
		return models.Blocked(models.ReasonExceedsPerTransactionLimit), nil
	}

	account.ApplyDailyReset(day)

	// DailySpent can exceed a lowered DailyLimit; the difference is then negative.
	if amount > account.DailyLimit-account.DailySpent {
		return models.Blocked(models.ReasonExceedsDailyLimit), nil
	}

	if !account.AllowAllEndpoints {
		allowed, err := s.endpoints.IsAllowed(ctx, account.ID, endpoint)
		if err != nil {
			return models.Decision{}, services.WrapInternal("failed to read endpoint allowlist", err)
		}
		if !allowed {
			return models.Blocked(models.ReasonEndpointNotAllowed), nil
		}
	}

	if amount > account.ApprovalThreshold {
		return models.NeedsApproval(), nil
	}
	return models.Allowed(), nil
}

// ExecutePayment evaluates and, when allowed, commits a payment submitted
// by the account's agent. Blocked and queued payments are reported through
// the returned Decision, not as errors.
func (s *Service) ExecutePayment(ctx context.Context, accountID uuid.UUID, caller string, req PaymentRequest) (*models.Decision, error) {
	if req.Amount <= 0 {
		return nil, services.ErrInvalidAmount
	}
	to, err := models.NormalizeAddress(req.To)
	if err != nil {
		return nil, services.ErrInvalidAddress.WithDetail("to", req.To)
	}
	caller, err = normalizeCaller(caller)
	if err != nil {
		return nil, err
	}

	var decision models.Decision
	err = s.run(ctx, accountID, caller, CmdExecutePayment, func(ctx context.Context, account *models.GuardedAccount) error {
		now := s.clock.Now()
		working := account.Clone()

		d, err := s.evaluate(ctx, working, req.Amount, req.EndpointID, s.today())
		if err != nil {
			return err
		}

		switch d.Outcome {
		case models.OutcomeBlocked:
			log := models.NewAuditLog(account.ID, models.AuditActionPaymentBlocked, caller).
				WithCounterparty(to).
				WithAmount(req.Amount).
				WithEndpoint(req.EndpointID).
				WithDetails(map[string]interface{}{"reason": d.Reason})
			if err := s.audit(ctx, log); err != nil {
				return err
			}

		case models.OutcomeNeedsApproval:
			payment := &models.PendingPayment{
				AccountID:  account.ID,
				To:         to,
				Amount:     req.Amount,
				EndpointID: req.EndpointID,
				Expiry:     now.Add(s.config.ApprovalTTL),
				CreatedAt:  now,
			}
			if err := s.pending.Append(ctx, payment); err != nil {
				return services.WrapInternal("failed to queue payment", err)
			}
			id := payment.ID
			d.PaymentID = &id

			log := models.NewAuditLog(account.ID, models.AuditActionPaymentQueued, caller).
				WithCounterparty(to).
				WithAmount(req.Amount).
				WithEndpoint(req.EndpointID).
				WithPayment(id).
				WithDetails(map[string]interface{}{"expiry": payment.Expiry})
			if err := s.audit(ctx, log); err != nil {
				return err
			}

		case models.OutcomeAllowed:
			after, err := s.commit(ctx, working, caller, to, req.Amount, req.EndpointID, nil)
			if err != nil {
				return err
			}
			d.DailySpentAfter = &after
		}

		decision = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	observability.RecordDecision(string(decision.Outcome), string(decision.Reason))
	if decision.IsAllowed() {
		observability.RecordPaymentVolume("direct", req.Amount)
	}
	s.logger.Info("payment evaluated",
		zap.String("account_id", accountID.String()),
		zap.String("outcome", string(decision.Outcome)),
		zap.String("reason", string(decision.Reason)),
		zap.Int64("amount", req.Amount),
		zap.String("request_id", requestID(ctx)))

	return &decision, nil
}

// commit applies a spend to the locked account and moves the funds. The
// ledger call is last so any earlier failure leaves it untouched, and its
// own failure rolls back the counters with the transaction.
func (s *Service) commit(ctx context.Context, account *models.GuardedAccount, actor, to string, amount int64, endpoint models.EndpointID, paymentID *int64) (int64, error) {
	account.ApplyDailyReset(s.today())
	account.RecordSpend(amount)
	account.UpdatedAt = s.clock.Now()

	if err := s.accounts.Update(ctx, account); err != nil {
		return 0, services.WrapInternal("failed to update spend counters", err)
	}

	log := models.NewAuditLog(account.ID, models.AuditActionPaymentExecuted, actor).
		WithCounterparty(to).
		WithAmount(amount).
		WithEndpoint(endpoint).
		WithDetails(map[string]interface{}{
			"daily_spent_after": account.DailySpent,
			"total_spent_after": account.TotalSpent,
		})
	if paymentID != nil {
		log.WithPayment(*paymentID)
	}
	if err := s.audit(ctx, log); err != nil {
		return 0, err
	}

	if err := s.ledger.TransferOut(ctx, account.ID, to, amount); err != nil {
		return 0, mapLedgerError(err)
	}
	return account.DailySpent, nil
}

// CheckPayment simulates a payment without mutating anything
func (s *Service) CheckPayment(ctx context.Context, accountID uuid.UUID, amount int64, endpoint models.EndpointID) (*models.CheckResult, error) {
	if amount <= 0 {
		return nil, services.ErrInvalidAmount
	}

	var d models.Decision
	err := s.view(ctx, accountID, func(account *models.GuardedAccount) error {
		var err error
		d, err = s.evaluate(ctx, account, amount, endpoint, s.today())
		return err
	})
	if err != nil {
		return nil, err
	}

	return &models.CheckResult{
		Allowed:       d.IsAllowed(),
		NeedsApproval: d.RequiresApproval(),
		Reason:        d.Reason,
	}, nil
}

func mapLedgerError(err error) error {
	switch {
	case errors.Is(err, repositories.ErrInsufficientBalance):
		return services.ErrInsufficientBalance.Wrap(err)
	case errors.Is(err, repositories.ErrBalanceOverflow):
		return services.ErrBalanceOverflow.Wrap(err)
	}
	return services.ErrLedgerUnavailable.Wrap(err)
}
