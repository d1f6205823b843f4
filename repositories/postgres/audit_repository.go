package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/x402-guard/models"
	"github.com/upb/x402-guard/repositories"
	"go.uber.org/zap"
)

// AuditRepository implements the repositories.AuditRepository interface
type AuditRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB, logger *zap.Logger) repositories.AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

// Insert inserts a new audit log entry.
// Called with a transaction context it commits or rolls back with the state change it records.
func (r *AuditRepository) Insert(ctx context.Context, log *models.AuditLog) error {
	query := `
		INSERT INTO audit_logs (
			id, account_id, action, actor, counterparty, amount, payment_id,
			endpoint_id, details, request_id, timestamp
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
	`

	var details interface{}
	if len(log.Details) > 0 {
		details = []byte(log.Details)
	}

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		log.ID,
		log.AccountID,
		log.Action,
		log.Actor,
		log.Counterparty,
		log.Amount,
		log.PaymentID,
		log.EndpointID,
		details,
		log.RequestID,
		log.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	r.logger.Debug("audit log inserted", zap.String("id", log.ID.String()), zap.String("action", string(log.Action)))
	return nil
}

// ListByAccount retrieves audit logs for an account, oldest first
func (r *AuditRepository) ListByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*models.AuditLog, error) {
	query := `
		SELECT id, account_id, action, actor, counterparty, amount, payment_id,
		       endpoint_id, details, COALESCE(request_id, ''), timestamp
		FROM audit_logs
		WHERE account_id = $1
		ORDER BY timestamp, id
		LIMIT $2 OFFSET $3
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.AuditLog
	for rows.Next() {
		log := &models.AuditLog{}
		var details []byte
		err := rows.Scan(
			&log.ID,
			&log.AccountID,
			&log.Action,
			&log.Actor,
			&log.Counterparty,
			&log.Amount,
			&log.PaymentID,
			&log.EndpointID,
			&details,
			&log.RequestID,
			&log.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		log.Details = details
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}

	return logs, nil
}
