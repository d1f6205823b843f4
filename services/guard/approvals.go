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

// listPageSize is the page used to scan the queue when filtering by status
const listPageSize = 100

// PendingPaymentView is a queue entry with its status as of the read
type PendingPaymentView struct {
	models.PendingPayment
	Status models.PaymentStatus `json:"status"`
}

// ApprovePayment pays out a queued entry. Limits are not evaluated again:
// the owner's approval overrides them.
func (s *Service) ApprovePayment(ctx context.Context, accountID uuid.UUID, caller string, id int64) (*PendingPaymentView, error) {
	caller, err := normalizeCaller(caller)
	if err != nil {
		return nil, err
	}

	var view *PendingPaymentView
	err = s.run(ctx, accountID, caller, CmdApprovePayment, func(ctx context.Context, account *models.GuardedAccount) error {
		now := s.clock.Now()
		payment, err := s.resolvable(ctx, account.ID, id)
		if err != nil {
			return err
		}

		log := models.NewAuditLog(account.ID, models.AuditActionPaymentApproved, caller).
			WithCounterparty(payment.To).
			WithAmount(payment.Amount).
			WithPayment(payment.ID).
			WithEndpoint(payment.EndpointID)
		if err := s.audit(ctx, log); err != nil {
			return err
		}

		payment.MarkExecuted(now)
		if err := s.pending.Update(ctx, payment); err != nil {
			return services.WrapInternal("failed to update pending payment", err)
		}

		if _, err := s.commit(ctx, account, caller, payment.To, payment.Amount, payment.EndpointID, &payment.ID); err != nil {
			return err
		}

		view = &PendingPaymentView{PendingPayment: *payment, Status: payment.Status(now)}
		return nil
	})
	if err != nil {
		return nil, err
	}

	observability.RecordPaymentVolume("approval", view.Amount)
	s.logger.Info("pending payment approved",
		zap.String("account_id", accountID.String()),
		zap.Int64("payment_id", id),
		zap.Int64("amount", view.Amount))

	return view, nil
}

// RejectPayment terminates a queued entry without moving funds
func (s *Service) RejectPayment(ctx context.Context, accountID uuid.UUID, caller string, id int64) (*PendingPaymentView, error) {
	caller, err := normalizeCaller(caller)
	if err != nil {
		return nil, err
	}

	var view *PendingPaymentView
	err = s.run(ctx, accountID, caller, CmdRejectPayment, func(ctx context.Context, account *models.GuardedAccount) error {
		now := s.clock.Now()
		payment, err := s.resolvable(ctx, account.ID, id)
		if err != nil {
			return err
		}

		payment.MarkRejected(now)
		if err := s.pending.Update(ctx, payment); err != nil {
			return services.WrapInternal("failed to update pending payment", err)
		}

		log := models.NewAuditLog(account.ID, models.AuditActionPaymentRejected, caller).
			WithCounterparty(payment.To).
			WithAmount(payment.Amount).
			WithPayment(payment.ID)
		if err := s.audit(ctx, log); err != nil {
			return err
		}

		view = &PendingPaymentView{PendingPayment: *payment, Status: payment.Status(now)}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("pending payment rejected",
		zap.String("account_id", accountID.String()),
		zap.Int64("payment_id", id))

	return view, nil
}

// resolvable loads an entry that the owner may still approve or reject
func (s *Service) resolvable(ctx context.Context, accountID uuid.UUID, id int64) (*models.PendingPayment, error) {
	if id < 0 {
		return nil, services.ErrInvalidPaymentID.WithDetail("payment_id", id)
	}

	payment, err := s.pending.Get(ctx, accountID, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrInvalidPaymentID.WithDetail("payment_id", id)
		}
		return nil, services.WrapInternal("failed to load pending payment", err)
	}

	if payment.IsResolved() {
		return nil, services.ErrPaymentAlreadyResolved.WithDetail("payment_id", id)
	}
	if payment.IsExpired(s.clock.Now()) {
		return nil, services.ErrPaymentExpired.
			WithDetail("payment_id", id).
			WithDetail("expiry", payment.Expiry)
	}
	return payment, nil
}

// GetPendingPayment returns a queue entry with its derived status
func (s *Service) GetPendingPayment(ctx context.Context, accountID uuid.UUID, id int64) (*PendingPaymentView, error) {
	var payment *models.PendingPayment
	err := s.view(ctx, accountID, func(*models.GuardedAccount) error {
		if id < 0 {
			return services.ErrInvalidPaymentID.WithDetail("payment_id", id)
		}
		var err error
		payment, err = s.pending.Get(ctx, accountID, id)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return services.ErrInvalidPaymentID.WithDetail("payment_id", id)
			}
			return services.WrapInternal("failed to load pending payment", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &PendingPaymentView{PendingPayment: *payment, Status: payment.Status(s.clock.Now())}, nil
}

// ListPendingPayments pages through the queue in index order. An empty
// status lists every entry; otherwise only entries currently in status.
func (s *Service) ListPendingPayments(ctx context.Context, accountID uuid.UUID, status models.PaymentStatus, limit, offset int) ([]PendingPaymentView, error) {
	if limit <= 0 || offset < 0 {
		return nil, services.ErrInvalidInput.WithDetail("limit", limit).WithDetail("offset", offset)
	}
	var views []PendingPaymentView
	err := s.view(ctx, accountID, func(*models.GuardedAccount) error {
		var err error
		views, err = s.listPending(ctx, accountID, status, limit, offset)
		return err
	})
	if err != nil {
		return nil, err
	}
	return views, nil
}

func (s *Service) listPending(ctx context.Context, accountID uuid.UUID, status models.PaymentStatus, limit, offset int) ([]PendingPaymentView, error) {
	now := s.clock.Now()
	if status == "" {
		payments, err := s.pending.ListByAccount(ctx, accountID, limit, offset)
		if err != nil {
			return nil, services.WrapInternal("failed to list pending payments", err)
		}
		views := make([]PendingPaymentView, 0, len(payments))
		for _, p := range payments {
			views = append(views, PendingPaymentView{PendingPayment: *p, Status: p.Status(now)})
		}
		return views, nil
	}

	// Status is derived, so filter while scanning and page the matches.
	views := make([]PendingPaymentView, 0, limit)
	skipped := 0
	for scan := 0; ; scan += listPageSize {
		payments, err := s.pending.ListByAccount(ctx, accountID, listPageSize, scan)
		if err != nil {
			return nil, services.WrapInternal("failed to list pending payments", err)
		}
		for _, p := range payments {
			if p.Status(now) != status {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			views = append(views, PendingPaymentView{PendingPayment: *p, Status: status})
			if len(views) == limit {
				return views, nil
			}
		}
		if len(payments) < listPageSize {
			return views, nil
		}
	}
}
