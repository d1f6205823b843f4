package guard

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/upb/x402-guard/internal/clock"
	"github.com/upb/x402-guard/models"
	"github.com/upb/x402-guard/services"
	"go.uber.org/zap"
)

// Fund credits the account with amount supplied by caller. Anyone may fund.
func (s *Service) Fund(ctx context.Context, accountID uuid.UUID, caller string, amount int64) error {
	if amount <= 0 {
		return services.ErrInvalidAmount
	}
	caller, err := normalizeCaller(caller)
	if err != nil {
		return err
	}

	err = s.run(ctx, accountID, caller, CmdFund, func(ctx context.Context, account *models.GuardedAccount) error {
		log := models.NewAuditLog(account.ID, models.AuditActionFunded, caller).
			WithCounterparty(caller).
			WithAmount(amount)
		if err := s.audit(ctx, log); err != nil {
			return err
		}
		if err := s.ledger.TransferIn(ctx, account.ID, caller, amount); err != nil {
			return mapLedgerError(err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("guard funded",
		zap.String("account_id", accountID.String()),
		zap.String("from", caller),
		zap.Int64("amount", amount))
	return nil
}

// Withdraw sends amount back to the owner
func (s *Service) Withdraw(ctx context.Context, accountID uuid.UUID, caller string, amount int64) error {
	if amount <= 0 {
		return services.ErrInvalidAmount
	}
	caller, err := normalizeCaller(caller)
	if err != nil {
		return err
	}

	return s.run(ctx, accountID, caller, CmdWithdraw, func(ctx context.Context, account *models.GuardedAccount) error {
		return s.withdraw(ctx, account, amount)
	})
}

// WithdrawAll sends the whole balance to the owner and returns the amount.
// An empty balance withdraws nothing and is not an error.
func (s *Service) WithdrawAll(ctx context.Context, accountID uuid.UUID, caller string) (int64, error) {
	caller, err := normalizeCaller(caller)
	if err != nil {
		return 0, err
	}

	var withdrawn int64
	err = s.run(ctx, accountID, caller, CmdWithdrawAll, func(ctx context.Context, account *models.GuardedAccount) error {
		balance, err := s.ledger.BalanceOf(ctx, account.ID)
		if err != nil {
			return mapLedgerError(err)
		}
		if balance == 0 {
			return nil
		}
		if err := s.withdraw(ctx, account, balance); err != nil {
			return err
		}
		withdrawn = balance
		return nil
	})
	if err != nil {
		return 0, err
	}
	return withdrawn, nil
}

func (s *Service) withdraw(ctx context.Context, account *models.GuardedAccount, amount int64) error {
	log := models.NewAuditLog(account.ID, models.AuditActionWithdrawn, account.Owner).
		WithCounterparty(account.Owner).
		WithAmount(amount)
	if err := s.audit(ctx, log); err != nil {
		return err
	}

	if err := s.ledger.TransferOut(ctx, account.ID, account.Owner, amount); err != nil {
		return mapLedgerError(err)
	}

	s.logger.Info("guard withdrawn",
		zap.String("account_id", account.ID.String()),
		zap.Int64("amount", amount))
	return nil
}

// GetBalance returns the spendable ledger balance
func (s *Service) GetBalance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	var balance int64
	err := s.view(ctx, accountID, func(*models.GuardedAccount) error {
		var err error
		balance, err = s.ledger.BalanceOf(ctx, accountID)
		if err != nil {
			return mapLedgerError(err)
		}
		return nil
	})
	return balance, err
}

// RemainingDailyBudget is the amount still admissible today. A stale
// counter from a previous day counts as zero.
func (s *Service) RemainingDailyBudget(ctx context.Context, accountID uuid.UUID) (int64, error) {
	var remaining int64
	err := s.view(ctx, accountID, func(account *models.GuardedAccount) error {
		remaining = account.RemainingDailyBudget(s.today())
		return nil
	})
	return remaining, err
}

// TimeUntilReset is the time left before the daily counter resets
func (s *Service) TimeUntilReset() time.Duration {
	return clock.UntilNextReset(s.clock.Now())
}
