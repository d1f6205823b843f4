package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/x402-guard/models"
	"github.com/upb/x402-guard/repositories"
	"go.uber.org/zap"
)

const pendingColumns = `account_id, idx, recipient, amount, endpoint_id, expiry, executed, rejected, created_at, resolved_at`

// PendingPaymentRepository implements the repositories.PendingPaymentRepository interface
type PendingPaymentRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewPendingPaymentRepository creates a new pending payment repository
func NewPendingPaymentRepository(db *DB, logger *zap.Logger) repositories.PendingPaymentRepository {
	return &PendingPaymentRepository{
		db:     db,
		logger: logger,
	}
}

// Append assigns the next per-account index and inserts the entry.
// The caller holds the account row lock, so MAX(idx)+1 cannot race.
func (r *PendingPaymentRepository) Append(ctx context.Context, payment *models.PendingPayment) error {
	query := `
		INSERT INTO pending_payments (` + pendingColumns + `)
		SELECT $1, COALESCE(MAX(idx) + 1, 0), $2, $3, $4, $5, false, false, $6, NULL
		FROM pending_payments WHERE account_id = $1
		RETURNING idx
	`

	executor := GetExecutor(ctx, r.db)
	err := executor.QueryRowContext(ctx, query,
		payment.AccountID,
		payment.To,
		payment.Amount,
		payment.EndpointID,
		payment.Expiry,
		payment.CreatedAt,
	).Scan(&payment.ID)
	if err != nil {
		return fmt.Errorf("failed to append pending payment: %w", err)
	}

	r.logger.Debug("pending payment queued",
		zap.String("account_id", payment.AccountID.String()),
		zap.Int64("idx", payment.ID),
	)
	return nil
}

// Get retrieves an entry by index
func (r *PendingPaymentRepository) Get(ctx context.Context, accountID uuid.UUID, id int64) (*models.PendingPayment, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_payments WHERE account_id = $1 AND idx = $2`

	executor := GetExecutor(ctx, r.db)
	p, err := scanPending(executor.QueryRowContext(ctx, query, accountID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get pending payment: %w", err)
	}
	return p, nil
}

// Update persists the resolution flags of an entry
func (r *PendingPaymentRepository) Update(ctx context.Context, payment *models.PendingPayment) error {
	query := `
		UPDATE pending_payments
		SET executed = $3, rejected = $4, resolved_at = $5
		WHERE account_id = $1 AND idx = $2
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query,
		payment.AccountID,
		payment.ID,
		payment.Executed,
		payment.Rejected,
		payment.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update pending payment: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return repositories.ErrNotFound
	}
	return nil
}

// ListByAccount retrieves entries in index order with pagination
func (r *PendingPaymentRepository) ListByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*models.PendingPayment, error) {
	query := `
		SELECT ` + pendingColumns + `
		FROM pending_payments
		WHERE account_id = $1
		ORDER BY idx
		LIMIT $2 OFFSET $3
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending payments: %w", err)
	}
	defer rows.Close()

	var payments []*models.PendingPayment
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending payment: %w", err)
		}
		payments = append(payments, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending payments: %w", err)
	}

	return payments, nil
}

func scanPending(row rowScanner) (*models.PendingPayment, error) {
	p := &models.PendingPayment{}
	var resolvedAt sql.NullTime
	err := row.Scan(
		&p.AccountID,
		&p.ID,
		&p.To,
		&p.Amount,
		&p.EndpointID,
		&p.Expiry,
		&p.Executed,
		&p.Rejected,
		&p.CreatedAt,
		&resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		p.ResolvedAt = &t
	}
	return p, nil
}
