package guard

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/x402-guard/models"
	"github.com/upb/x402-guard/repositories/memory"
	"github.com/upb/x402-guard/services"
)

func TestFund_AnyCaller(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.svc.Fund(context.Background(), f.account.ID, strangerAddr, 5*unit))
	assert.Equal(t, 105*unit, f.balance(t))

	last := f.lastEvent(t)
	assert.Equal(t, models.AuditActionFunded, last.Action)
	require.NotNil(t, last.Counterparty)
	assert.Equal(t, strangerAddr, *last.Counterparty)

	err := f.svc.Fund(context.Background(), f.account.ID, strangerAddr, 0)
	assert.ErrorIs(t, err, services.ErrInvalidAmount)
}

func TestFund_RejectsBalanceOverflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	events := len(f.actions(t))

	err := f.svc.Fund(ctx, f.account.ID, strangerAddr, math.MaxInt64)
	assert.ErrorIs(t, err, services.ErrBalanceOverflow)
	assert.True(t, services.IsResourceError(err))

	assert.Equal(t, 100*unit, f.balance(t))
	assert.Len(t, f.actions(t), events)

	// the guard keeps working for its agent
	d := f.pay(t, unit, testEndpoint)
	assert.True(t, d.IsAllowed())
	assert.Equal(t, 99*unit, f.balance(t))
}

func TestWithdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Withdraw(ctx, f.account.ID, ownerAddr, 40*unit))
	assert.Equal(t, 60*unit, f.balance(t))

	last := f.lastEvent(t)
	assert.Equal(t, models.AuditActionWithdrawn, last.Action)
	require.NotNil(t, last.Counterparty)
	assert.Equal(t, ownerAddr, *last.Counterparty)

	ledger, ok := f.repos.Ledger.(*memory.Ledger)
	require.True(t, ok)
	transfers := ledger.Transfers(f.account.ID)
	require.NotEmpty(t, transfers)
	assert.Equal(t, ownerAddr, transfers[len(transfers)-1].Counterparty)
}

func TestWithdraw_InsufficientBalance(t *testing.T) {
	f := newFixture(t)
	events := len(f.actions(t))

	err := f.svc.Withdraw(context.Background(), f.account.ID, ownerAddr, 101*unit)
	assert.ErrorIs(t, err, services.ErrInsufficientBalance)
	assert.True(t, services.IsResourceError(err))

	assert.Equal(t, 100*unit, f.balance(t))
	assert.Len(t, f.actions(t), events)
}

func TestWithdrawAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	amount, err := f.svc.WithdrawAll(ctx, f.account.ID, ownerAddr)
	require.NoError(t, err)
	assert.Equal(t, 100*unit, amount)
	assert.Equal(t, int64(0), f.balance(t))

	events := len(f.actions(t))
	amount, err = f.svc.WithdrawAll(ctx, f.account.ID, ownerAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(0), amount)
	assert.Len(t, f.actions(t), events)

	// The account stays usable after being emptied
	require.NoError(t, f.svc.Fund(ctx, f.account.ID, ownerAddr, unit))
	assert.True(t, f.pay(t, unit, testEndpoint).IsAllowed())
}

func TestRemainingDailyBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	remaining, err := f.svc.RemainingDailyBudget(ctx, f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, 50*unit, remaining)

	f.pay(t, 2*unit, testEndpoint)
	remaining, err = f.svc.RemainingDailyBudget(ctx, f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, 48*unit, remaining)

	// A new day shows the full limit before any payment resets the counter
	f.clock.Advance(24 * time.Hour)
	remaining, err = f.svc.RemainingDailyBudget(ctx, f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, 50*unit, remaining)
	assert.Equal(t, 2*unit, f.reload(t).DailySpent)
}

func TestTimeUntilReset(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, 12*time.Hour, f.svc.TimeUntilReset())

	f.clock.Set(time.Date(2024, 1, 15, 23, 59, 59, 0, time.UTC))
	assert.Equal(t, time.Second, f.svc.TimeUntilReset())
}
