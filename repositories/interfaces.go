package repositories

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/upb/x402-guard/models"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("record not found")

	// ErrInsufficientBalance is returned by a Ledger when the account cannot cover a transfer
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrBalanceOverflow is returned by a Ledger when a credit would exceed the largest representable balance
	ErrBalanceOverflow = errors.New("balance overflow")
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns a context carrying the transaction. Repository calls
	// made with it participate in the transaction.
	Context() context.Context
}

// AccountRepository handles guarded account data operations
type AccountRepository interface {
	// Create inserts a new guarded account
	Create(ctx context.Context, account *models.GuardedAccount) error

	// GetByID retrieves an account without locking it
	GetByID(ctx context.Context, id uuid.UUID) (*models.GuardedAccount, error)

	// GetForUpdate retrieves an account and locks its row until the transaction ends
	GetForUpdate(ctx context.Context, id uuid.UUID) (*models.GuardedAccount, error)

	// Update persists owner-controlled fields and counters
	Update(ctx context.Context, account *models.GuardedAccount) error

	// ListByOwner retrieves every account administered by owner
	ListByOwner(ctx context.Context, owner string) ([]*models.GuardedAccount, error)

	// List retrieves accounts in creation order with pagination
	List(ctx context.Context, limit, offset int) ([]*models.GuardedAccount, error)

	// Count returns the number of accounts
	Count(ctx context.Context) (int64, error)
}

// EndpointRepository handles allowlist membership
type EndpointRepository interface {
	// Set records the membership flag for an endpoint
	Set(ctx context.Context, accountID uuid.UUID, endpoint models.EndpointID, allowed bool) error

	// IsAllowed reports the membership flag; unknown endpoints are not allowed
	IsAllowed(ctx context.Context, accountID uuid.UUID, endpoint models.EndpointID) (bool, error)

	// List returns every explicitly configured endpoint
	List(ctx context.Context, accountID uuid.UUID) ([]models.EndpointEntry, error)
}

// PendingPaymentRepository handles the per-account approval queue
type PendingPaymentRepository interface {
	// Append stores a new entry and assigns it the next index
	Append(ctx context.Context, payment *models.PendingPayment) error

	// Get retrieves an entry by index
	Get(ctx context.Context, accountID uuid.UUID, id int64) (*models.PendingPayment, error)

	// Update persists the resolution flags of an entry
	Update(ctx context.Context, payment *models.PendingPayment) error

	// ListByAccount retrieves entries in index order with pagination
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*models.PendingPayment, error)
}

// AuditRepository handles audit log data operations
type AuditRepository interface {
	// Insert inserts a new audit log entry
	Insert(ctx context.Context, log *models.AuditLog) error

	// ListByAccount retrieves audit logs for an account, oldest first
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*models.AuditLog, error)
}

// Ledger moves value in and out of a guarded account.
// Implementations must join the transaction carried by ctx when they can.
type Ledger interface {
	// TransferOut debits the account and credits to
	TransferOut(ctx context.Context, accountID uuid.UUID, to string, amount int64) error

	// TransferIn credits the account with funds supplied by from
	TransferIn(ctx context.Context, accountID uuid.UUID, from string, amount int64) error

	// BalanceOf returns the spendable balance
	BalanceOf(ctx context.Context, accountID uuid.UUID) (int64, error)
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Accounts        AccountRepository
	Endpoints       EndpointRepository
	PendingPayments PendingPaymentRepository
	AuditLogs       AuditRepository
	Ledger          Ledger
	TxManager       TransactionManager
}
