package postgres

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/x402-guard/models"
	"github.com/upb/x402-guard/repositories"
	"go.uber.org/zap"
)

const (
	testOwner = "0x1111111111111111111111111111111111111111"
	testAgent = "0x2222222222222222222222222222222222222222"
	testPayee = "0x3333333333333333333333333333333333333333"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return WrapDB(sqlDB, zap.NewNop()), mock
}

func accountRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "owner", "agent", "max_per_transaction", "daily_limit", "approval_threshold",
		"daily_spent", "total_spent", "last_reset_day", "allow_all_endpoints", "created_at", "updated_at",
	})
}

func TestAccountRepository_Create(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAccountRepository(db, zap.NewNop())
	acct := models.NewGuardedAccount(testOwner, testAgent, models.Policy{MaxPerTransaction: 5, DailyLimit: 50, ApprovalThreshold: 2}, 19737)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO guarded_accounts")).
		WithArgs(acct.ID, testOwner, testAgent, int64(5), int64(50), int64(2), int64(0), int64(0), int64(19737), false, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Create(context.Background(), acct))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepository_GetForUpdate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAccountRepository(db, zap.NewNop())
	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .* FROM guarded_accounts WHERE id = \$1 FOR UPDATE`).
		WithArgs(id).
		WillReturnRows(accountRows().AddRow(id.String(), testOwner, testAgent, 5, 50, 2, 4, 10, 19737, true, now, now))

	acct, err := repo.GetForUpdate(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, acct.ID)
	assert.Equal(t, int64(4), acct.DailySpent)
	assert.Equal(t, int64(10), acct.TotalSpent)
	assert.True(t, acct.AllowAllEndpoints)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepository_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAccountRepository(db, zap.NewNop())
	id := uuid.New()

	mock.ExpectQuery(`SELECT .* FROM guarded_accounts WHERE id = \$1`).
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), id)
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE guarded_accounts")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = repo.Update(context.Background(), &models.GuardedAccount{ID: id})
	assert.ErrorIs(t, err, repositories.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepository_ListAndCount(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAccountRepository(db, zap.NewNop())
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .* FROM guarded_accounts WHERE owner = \$1`).
		WithArgs(testOwner).
		WillReturnRows(accountRows().
			AddRow(uuid.NewString(), testOwner, testAgent, 5, 50, 2, 0, 0, 1, false, now, now).
			AddRow(uuid.NewString(), testOwner, testAgent, 1, 10, 1, 0, 0, 1, false, now, now))

	accounts, err := repo.ListByOwner(context.Background(), testOwner)
	require.NoError(t, err)
	assert.Len(t, accounts, 2)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM guarded_accounts")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	count, err := repo.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEndpointRepository(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewEndpointRepository(db, zap.NewNop())
	accountID := uuid.New()
	endpoint := models.HashEndpoint("https://api.example.com/weather")

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO guard_endpoints")).
		WithArgs(accountID, endpoint[:], true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Set(context.Background(), accountID, endpoint, true))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT allowed FROM guard_endpoints")).
		WithArgs(accountID, endpoint[:]).
		WillReturnError(sql.ErrNoRows)
	allowed, err := repo.IsAllowed(context.Background(), accountID, endpoint)
	require.NoError(t, err)
	assert.False(t, allowed, "unknown endpoints are not allowed")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT endpoint_id, allowed FROM guard_endpoints")).
		WithArgs(accountID).
		WillReturnRows(sqlmock.NewRows([]string{"endpoint_id", "allowed"}).AddRow(endpoint[:], true))
	entries, err := repo.List(context.Background(), accountID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, endpoint, entries[0].EndpointID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingPaymentRepository_Append(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPendingPaymentRepository(db, zap.NewNop())
	accountID := uuid.New()
	payment := &models.PendingPayment{
		AccountID:  accountID,
		To:         testPayee,
		Amount:     3_000_000,
		EndpointID: models.HashEndpoint("x"),
		Expiry:     time.Now().Add(time.Hour),
		CreatedAt:  time.Now(),
	}

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO pending_payments")).
		WithArgs(accountID, testPayee, int64(3_000_000), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"idx"}).AddRow(4))

	require.NoError(t, repo.Append(context.Background(), payment))
	assert.Equal(t, int64(4), payment.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingPaymentRepository_Get(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPendingPaymentRepository(db, zap.NewNop())
	accountID := uuid.New()
	endpoint := models.HashEndpoint("x")
	now := time.Now().UTC()
	cols := []string{"account_id", "idx", "recipient", "amount", "endpoint_id", "expiry", "executed", "rejected", "created_at", "resolved_at"}

	mock.ExpectQuery(regexp.QuoteMeta("FROM pending_payments WHERE account_id = $1 AND idx = $2")).
		WithArgs(accountID, int64(0)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(accountID.String(), 0, testPayee, 3, endpoint[:], now, true, false, now, now))

	p, err := repo.Get(context.Background(), accountID, 0)
	require.NoError(t, err)
	assert.True(t, p.Executed)
	assert.Equal(t, endpoint, p.EndpointID)
	require.NotNil(t, p.ResolvedAt)

	mock.ExpectQuery(regexp.QuoteMeta("FROM pending_payments WHERE account_id = $1 AND idx = $2")).
		WithArgs(accountID, int64(9)).
		WillReturnError(sql.ErrNoRows)

	_, err = repo.Get(context.Background(), accountID, 9)
	assert.ErrorIs(t, err, repositories.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepository_TransferOut(t *testing.T) {
	db, mock := newMockDB(t)
	ledger := NewLedgerRepository(db, zap.NewNop())
	accountID := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE ledger_balances")).
		WithArgs(accountID, int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_transfers")).
		WithArgs(accountID, "out", testPayee, int64(5)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, ledger.TransferOut(context.Background(), accountID, testPayee, 5))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE ledger_balances")).
		WithArgs(accountID, int64(500)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := ledger.TransferOut(context.Background(), accountID, testPayee, 500)
	assert.ErrorIs(t, err, repositories.ErrInsufficientBalance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepository_TransferInOverflow(t *testing.T) {
	db, mock := newMockDB(t)
	ledger := NewLedgerRepository(db, zap.NewNop())
	accountID := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_balances")).
		WithArgs(accountID, int64(math.MaxInt64)).
		WillReturnError(&pq.Error{Code: "22003", Message: "bigint out of range"})

	err := ledger.TransferIn(context.Background(), accountID, testOwner, math.MaxInt64)
	assert.ErrorIs(t, err, repositories.ErrBalanceOverflow)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepository_BalanceOfUnfunded(t *testing.T) {
	db, mock := newMockDB(t)
	ledger := NewLedgerRepository(db, zap.NewNop())
	accountID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT balance FROM ledger_balances")).
		WithArgs(accountID).
		WillReturnError(sql.ErrNoRows)

	bal, err := ledger.BalanceOf(context.Background(), accountID)
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestTransactionManager_RollbackOnLedgerFailure(t *testing.T) {
	db, mock := newMockDB(t)
	txMgr := NewTransactionManager(db, zap.NewNop())
	accounts := NewAccountRepository(db, zap.NewNop())
	ledger := NewLedgerRepository(db, zap.NewNop())
	acct := models.NewGuardedAccount(testOwner, testAgent, models.Policy{DailyLimit: 10}, 1)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE guarded_accounts")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ledger_balances")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := txMgr.InTransaction(context.Background(), func(ctx context.Context, tx repositories.Transaction) error {
		_, inTx := GetTransactionFromContext(ctx)
		require.True(t, inTx)

		acct.RecordSpend(3)
		if err := accounts.Update(ctx, acct); err != nil {
			return err
		}
		return ledger.TransferOut(ctx, acct.ID, testPayee, 3)
	})

	assert.ErrorIs(t, err, repositories.ErrInsufficientBalance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionManager_Commit(t *testing.T) {
	db, mock := newMockDB(t)
	txMgr := NewTransactionManager(db, zap.NewNop())
	audit := NewAuditRepository(db, zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_logs")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := txMgr.InTransaction(context.Background(), func(ctx context.Context, tx repositories.Transaction) error {
		return audit.Insert(ctx, models.NewAuditLog(uuid.New(), models.AuditActionFunded, testOwner).WithAmount(1))
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionManager_BeginError(t *testing.T) {
	db, mock := newMockDB(t)
	txMgr := NewTransactionManager(db, zap.NewNop())

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	err := txMgr.InTransaction(context.Background(), func(ctx context.Context, tx repositories.Transaction) error {
		t.Fatal("fn must not run")
		return nil
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to begin transaction")
}
