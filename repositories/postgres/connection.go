package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/upb/x402-guard/config"
	"go.uber.org/zap"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	dsn := cfg.DSN()
	
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return &DB{
		DB:     db,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	// Check if we can query
	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

// Stats returns database connection pool statistics
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// WrapDB wraps an already opened pool, e.g. one created by sqlmock
func WrapDB(sqlDB *sql.DB, logger *zap.Logger) *DB {
	return &DB{DB: sqlDB, logger: logger}
}

// InitSchema initializes the database schema
func (db *DB) InitSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized successfully")
	return nil
}

const schema = `
	-- Guarded accounts
	CREATE TABLE IF NOT EXISTS guarded_accounts (
		id UUID PRIMARY KEY,
		owner VARCHAR(42) NOT NULL,
		agent VARCHAR(42) NOT NULL,
		max_per_transaction BIGINT NOT NULL CHECK (max_per_transaction >= 0),
		daily_limit BIGINT NOT NULL CHECK (daily_limit >= 0),
		approval_threshold BIGINT NOT NULL CHECK (approval_threshold >= 0),
		daily_spent BIGINT NOT NULL DEFAULT 0,
		total_spent BIGINT NOT NULL DEFAULT 0,
		last_reset_day BIGINT NOT NULL,
		allow_all_endpoints BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- Endpoint allowlist
	CREATE TABLE IF NOT EXISTS guard_endpoints (
		account_id UUID NOT NULL REFERENCES guarded_accounts(id) ON DELETE CASCADE,
		endpoint_id BYTEA NOT NULL,
		allowed BOOLEAN NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (account_id, endpoint_id)
	);

	-- Approval queue; idx is assigned per account from 0
	CREATE TABLE IF NOT EXISTS pending_payments (
		account_id UUID NOT NULL REFERENCES guarded_accounts(id) ON DELETE CASCADE,
		idx BIGINT NOT NULL,
		recipient VARCHAR(42) NOT NULL,
		amount BIGINT NOT NULL CHECK (amount > 0),
		endpoint_id BYTEA NOT NULL,
		expiry TIMESTAMP NOT NULL,
		executed BOOLEAN NOT NULL DEFAULT false,
		rejected BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		resolved_at TIMESTAMP,
		PRIMARY KEY (account_id, idx),
		CHECK (NOT (executed AND rejected))
	);

	-- Audit trail
	CREATE TABLE IF NOT EXISTS audit_logs (
		id UUID PRIMARY KEY,
		account_id UUID NOT NULL,
		action VARCHAR(64) NOT NULL,
		actor VARCHAR(42) NOT NULL,
		counterparty VARCHAR(42),
		amount BIGINT,
		payment_id BIGINT,
		endpoint_id BYTEA,
		details JSONB,
		request_id VARCHAR(255),
		timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- Reference ledger
	CREATE TABLE IF NOT EXISTS ledger_balances (
		account_id UUID PRIMARY KEY,
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS ledger_transfers (
		id BIGSERIAL PRIMARY KEY,
		account_id UUID NOT NULL,
		direction VARCHAR(3) NOT NULL,
		counterparty VARCHAR(42) NOT NULL,
		amount BIGINT NOT NULL CHECK (amount > 0),
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- Indexes for performance
	CREATE INDEX IF NOT EXISTS idx_guarded_accounts_owner ON guarded_accounts(owner);
	CREATE INDEX IF NOT EXISTS idx_guarded_accounts_created_at ON guarded_accounts(created_at);

	CREATE INDEX IF NOT EXISTS idx_audit_logs_account_id ON audit_logs(account_id);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_action ON audit_logs(action);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_request_id ON audit_logs(request_id);

	CREATE INDEX IF NOT EXISTS idx_ledger_transfers_account_id ON ledger_transfers(account_id);
`
