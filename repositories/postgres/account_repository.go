package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/x402-guard/models"
	"github.com/upb/x402-guard/repositories"
	"go.uber.org/zap"
)

const accountColumns = `id, owner, agent, max_per_transaction, daily_limit, approval_threshold,
	daily_spent, total_spent, last_reset_day, allow_all_endpoints, created_at, updated_at`

// AccountRepository implements the repositories.AccountRepository interface
type AccountRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAccountRepository creates a new account repository
func NewAccountRepository(db *DB, logger *zap.Logger) repositories.AccountRepository {
	return &AccountRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new guarded account
func (r *AccountRepository) Create(ctx context.Context, account *models.GuardedAccount) error {
	query := `
		INSERT INTO guarded_accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		account.ID,
		account.Owner,
		account.Agent,
		account.MaxPerTransaction,
		account.DailyLimit,
		account.ApprovalThreshold,
		account.DailySpent,
		account.TotalSpent,
		account.LastResetDay,
		account.AllowAllEndpoints,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create guarded account: %w", err)
	}

	r.logger.Debug("guarded account created", zap.String("id", account.ID.String()), zap.String("owner", account.Owner))
	return nil
}

// GetByID retrieves an account without locking it
func (r *AccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.GuardedAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM guarded_accounts WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// GetForUpdate retrieves an account and locks the row until the transaction ends
func (r *AccountRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.GuardedAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM guarded_accounts WHERE id = $1 FOR UPDATE`
	return r.getOne(ctx, query, id)
}

func (r *AccountRepository) getOne(ctx context.Context, query string, id uuid.UUID) (*models.GuardedAccount, error) {
	executor := GetExecutor(ctx, r.db)
	account, err := scanAccount(executor.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get guarded account: %w", err)
	}
	return account, nil
}

// Update persists the mutable fields of an account
func (r *AccountRepository) Update(ctx context.Context, account *models.GuardedAccount) error {
	query := `
		UPDATE guarded_accounts
		SET agent = $2, max_per_transaction = $3, daily_limit = $4, approval_threshold = $5,
		    daily_spent = $6, total_spent = $7, last_reset_day = $8, allow_all_endpoints = $9,
		    updated_at = $10
		WHERE id = $1
	`

	account.UpdatedAt = time.Now().UTC()

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query,
		account.ID,
		account.Agent,
		account.MaxPerTransaction,
		account.DailyLimit,
		account.ApprovalThreshold,
		account.DailySpent,
		account.TotalSpent,
		account.LastResetDay,
		account.AllowAllEndpoints,
		account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update guarded account: %w", err)
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

// ListByOwner retrieves every account administered by owner
func (r *AccountRepository) ListByOwner(ctx context.Context, owner string) ([]*models.GuardedAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM guarded_accounts WHERE owner = $1 ORDER BY created_at, id`
	return r.queryAccounts(ctx, query, owner)
}

// List retrieves accounts in creation order with pagination
func (r *AccountRepository) List(ctx context.Context, limit, offset int) ([]*models.GuardedAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM guarded_accounts ORDER BY created_at, id LIMIT $1 OFFSET $2`
	return r.queryAccounts(ctx, query, limit, offset)
}

// Count returns the number of accounts
func (r *AccountRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	executor := GetExecutor(ctx, r.db)
	if err := executor.QueryRowContext(ctx, `SELECT COUNT(*) FROM guarded_accounts`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count guarded accounts: %w", err)
	}
	return count, nil
}

func (r *AccountRepository) queryAccounts(ctx context.Context, query string, args ...interface{}) ([]*models.GuardedAccount, error) {
	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query guarded accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.GuardedAccount
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan guarded account: %w", err)
		}
		accounts = append(accounts, account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating guarded accounts: %w", err)
	}

	return accounts, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*models.GuardedAccount, error) {
	a := &models.GuardedAccount{}
	err := row.Scan(
		&a.ID,
		&a.Owner,
		&a.Agent,
		&a.MaxPerTransaction,
		&a.DailyLimit,
		&a.ApprovalThreshold,
		&a.DailySpent,
		&a.TotalSpent,
		&a.LastResetDay,
		&a.AllowAllEndpoints,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}
