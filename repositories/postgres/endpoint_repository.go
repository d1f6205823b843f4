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

// EndpointRepository implements the repositories.EndpointRepository interface
type EndpointRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewEndpointRepository creates a new endpoint repository
func NewEndpointRepository(db *DB, logger *zap.Logger) repositories.EndpointRepository {
	return &EndpointRepository{
		db:     db,
		logger: logger,
	}
}

// Set upserts the membership flag
func (r *EndpointRepository) Set(ctx context.Context, accountID uuid.UUID, endpoint models.EndpointID, allowed bool) error {
	query := `
		INSERT INTO guard_endpoints (account_id, endpoint_id, allowed, updated_at)
		VALUES ($1, $2, $3, CURRENT_TIMESTAMP)
		ON CONFLICT (account_id, endpoint_id)
		DO UPDATE SET allowed = EXCLUDED.allowed, updated_at = EXCLUDED.updated_at
	`

	executor := GetExecutor(ctx, r.db)
	if _, err := executor.ExecContext(ctx, query, accountID, endpoint, allowed); err != nil {
		return fmt.Errorf("failed to set endpoint: %w", err)
	}
	return nil
}

// IsAllowed reports the membership flag; unknown endpoints are not allowed
func (r *EndpointRepository) IsAllowed(ctx context.Context, accountID uuid.UUID, endpoint models.EndpointID) (bool, error) {
	query := `SELECT allowed FROM guard_endpoints WHERE account_id = $1 AND endpoint_id = $2`

	var allowed bool
	executor := GetExecutor(ctx, r.db)
	err := executor.QueryRowContext(ctx, query, accountID, endpoint).Scan(&allowed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get endpoint: %w", err)
	}
	return allowed, nil
}

// List returns every explicitly configured endpoint
func (r *EndpointRepository) List(ctx context.Context, accountID uuid.UUID) ([]models.EndpointEntry, error) {
	query := `SELECT endpoint_id, allowed FROM guard_endpoints WHERE account_id = $1 ORDER BY endpoint_id`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query endpoints: %w", err)
	}
	defer rows.Close()

	entries := []models.EndpointEntry{}
	for rows.Next() {
		var e models.EndpointEntry
		if err := rows.Scan(&e.EndpointID, &e.Allowed); err != nil {
			return nil, fmt.Errorf("failed to scan endpoint: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating endpoints: %w", err)
	}

	return entries, nil
}
