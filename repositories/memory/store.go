// Package memory implements the repositories in process memory.
//
// Writes made with a context carrying a Transaction are journaled and undone
// on Rollback. Uncommitted writes are visible to other readers, so the guard
// service reads account state only while holding the account lock.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/upb/x402-guard/models"
	"github.com/upb/x402-guard/repositories"
	"go.uber.org/zap"
)

var errTxDone = errors.New("transaction already committed or rolled back")

type transactionContextKey struct{}

// Store holds every table of the in-memory backend
type Store struct {
	mu           sync.RWMutex
	accounts     map[uuid.UUID]*models.GuardedAccount
	order        []uuid.UUID
	endpoints    map[uuid.UUID]map[models.EndpointID]bool
	pending      map[uuid.UUID][]*models.PendingPayment
	audit        map[uuid.UUID][]*models.AuditLog
	balances     map[uuid.UUID]int64
	transfers    []Transfer
	nextTransfer int64
	logger       *zap.Logger
}

// NewStore creates an empty store
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		accounts:  make(map[uuid.UUID]*models.GuardedAccount),
		endpoints: make(map[uuid.UUID]map[models.EndpointID]bool),
		pending:   make(map[uuid.UUID][]*models.PendingPayment),
		audit:     make(map[uuid.UUID][]*models.AuditLog),
		balances:  make(map[uuid.UUID]int64),
		logger:    logger,
	}
}

// Repositories returns every repository backed by this store
func (s *Store) Repositories() *repositories.Repositories {
	return &repositories.Repositories{
		Accounts:        &AccountRepository{store: s},
		Endpoints:       &EndpointRepository{store: s},
		PendingPayments: &PendingPaymentRepository{store: s},
		AuditLogs:       &AuditRepository{store: s},
		Ledger:          &Ledger{store: s},
		TxManager:       NewTransactionManager(s),
	}
}

// write applies fn under the store lock and journals undo if ctx carries a transaction
func (s *Store) write(ctx context.Context, fn func() (undo func())) error {
	tx, _ := ctx.Value(transactionContextKey{}).(*Transaction)
	if tx != nil {
		tx.mu.Lock()
		defer tx.mu.Unlock()
		if tx.done {
			return errTxDone
		}
	}

	s.mu.Lock()
	undo := fn()
	s.mu.Unlock()

	if tx != nil && undo != nil {
		tx.journal = append(tx.journal, undo)
	}
	return nil
}

// TransactionManager implements repositories.TransactionManager for the Store
type TransactionManager struct {
	store *Store
}

// NewTransactionManager creates a transaction manager for the store
func NewTransactionManager(store *Store) *TransactionManager {
	return &TransactionManager{store: store}
}

// Begin starts a new journaled transaction
func (tm *TransactionManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	tx := &Transaction{store: tm.store}
	tx.ctx = context.WithValue(ctx, transactionContextKey{}, tx)
	return tx, nil
}

// InTransaction executes a function within a transaction
func (tm *TransactionManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	tx, err := tm.Begin(ctx)
	if err != nil {
		return err
	}

	if err := fn(tx.Context(), tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			tm.store.logger.Error("failed to rollback transaction",
				zap.Error(rbErr),
				zap.NamedError("original_error", err),
			)
		}
		return err
	}

	return tx.Commit()
}

// Transaction is an undo journal over the Store
type Transaction struct {
	mu      sync.Mutex
	store   *Store
	ctx     context.Context
	journal []func()
	done    bool
}

// Commit discards the journal
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return errTxDone
	}
	t.done = true
	t.journal = nil
	return nil
}

// Rollback replays the journal in reverse. Rolling back a finished transaction is a no-op.
func (t *Transaction) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true

	t.store.mu.Lock()
	for i := len(t.journal) - 1; i >= 0; i-- {
		t.journal[i]()
	}
	t.store.mu.Unlock()

	t.store.logger.Debug("memory transaction rolled back", zap.Int("undone", len(t.journal)))
	t.journal = nil
	return nil
}

// Context returns the context carrying this transaction
func (t *Transaction) Context() context.Context {
	return t.ctx
}
