package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/upb/x402-guard/repositories"
	"go.uber.org/zap"
)

// numeric_value_out_of_range, raised when a credit overflows the bigint balance
const numericOutOfRange pq.ErrorCode = "22003"

// LedgerRepository is a reference Ledger kept in the same database as the
// policy state, so a transfer and the counters it pays for commit together.
type LedgerRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *DB, logger *zap.Logger) repositories.Ledger {
	return &LedgerRepository{
		db:     db,
		logger: logger,
	}
}

// TransferOut debits the account if the balance covers amount
func (r *LedgerRepository) TransferOut(ctx context.Context, accountID uuid.UUID, to string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("invalid transfer amount: %d", amount)
	}

	query := `
		UPDATE ledger_balances
		SET balance = balance - $2, updated_at = CURRENT_TIMESTAMP
		WHERE account_id = $1 AND balance >= $2
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, accountID, amount)
	if err != nil {
		return fmt.Errorf("failed to debit balance: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return repositories.ErrInsufficientBalance
	}

	return r.journal(ctx, executor, accountID, "out", to, amount)
}

// TransferIn credits the account, creating its balance row on first use
func (r *LedgerRepository) TransferIn(ctx context.Context, accountID uuid.UUID, from string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("invalid transfer amount: %d", amount)
	}

	query := `
		INSERT INTO ledger_balances (account_id, balance, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (account_id)
		DO UPDATE SET balance = ledger_balances.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at
	`

	executor := GetExecutor(ctx, r.db)
	if _, err := executor.ExecContext(ctx, query, accountID, amount); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == numericOutOfRange {
			return repositories.ErrBalanceOverflow
		}
		return fmt.Errorf("failed to credit balance: %w", err)
	}

	return r.journal(ctx, executor, accountID, "in", from, amount)
}

func (r *LedgerRepository) journal(ctx context.Context, executor Executor, accountID uuid.UUID, direction, counterparty string, amount int64) error {
	query := `
		INSERT INTO ledger_transfers (account_id, direction, counterparty, amount)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := executor.ExecContext(ctx, query, accountID, direction, counterparty, amount); err != nil {
		return fmt.Errorf("failed to record transfer: %w", err)
	}

	r.logger.Debug("ledger transfer recorded",
		zap.String("account_id", accountID.String()),
		zap.String("direction", direction),
		zap.Int64("amount", amount),
	)
	return nil
}

// BalanceOf returns the spendable balance; accounts never funded hold zero
func (r *LedgerRepository) BalanceOf(ctx context.Context, accountID uuid.UUID) (int64, error) {
	var balance int64
	executor := GetExecutor(ctx, r.db)
	err := executor.QueryRowContext(ctx, `SELECT balance FROM ledger_balances WHERE account_id = $1`, accountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}
