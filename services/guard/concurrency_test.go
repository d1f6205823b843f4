package guard

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/x402-guard/models"
	"github.com/upb/x402-guard/repositories"
)

func TestExecutePayment_ConcurrentRequestsRespectDailyCap(t *testing.T) {
	policy := testPolicy
	policy.ApprovalThreshold = policy.MaxPerTransaction
	f := newFixture(t, withPolicy(policy))

	var allowed, blocked atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := f.svc.ExecutePayment(context.Background(), f.account.ID, agentAddr, PaymentRequest{
				To: recipientAddr, Amount: 4 * unit, EndpointID: testEndpoint,
			})
			if !assert.NoError(t, err) {
				return
			}
			switch {
			case d.IsAllowed():
				allowed.Add(1)
			case d.Reason == models.ReasonExceedsDailyLimit:
				blocked.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(12), allowed.Load())
	assert.Equal(t, int64(28), blocked.Load())

	account := f.reload(t)
	assert.Equal(t, 48*unit, account.DailySpent)
	assert.Equal(t, 52*unit, f.balance(t))
}

func TestService_DifferentAccountsRunIndependently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	second, err := f.svc.CreateGuard(ctx, ownerAddr, CreateGuardRequest{Agent: agentAddr, Policy: testPolicy})
	require.NoError(t, err)
	require.NoError(t, f.svc.SetAllowAllEndpoints(ctx, second.ID, ownerAddr, true))
	require.NoError(t, f.svc.Fund(ctx, second.ID, ownerAddr, 100*unit))

	var wg sync.WaitGroup
	for _, id := range []uuid.UUID{f.account.ID, second.ID} {
		id := id
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d, err := f.svc.ExecutePayment(ctx, id, agentAddr, PaymentRequest{
					To: recipientAddr, Amount: unit, EndpointID: testEndpoint,
				})
				if assert.NoError(t, err) {
					assert.True(t, d.IsAllowed())
				}
			}()
		}
	}
	wg.Wait()

	for _, id := range []uuid.UUID{f.account.ID, second.ID} {
		account, err := f.svc.GetAccount(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 10*unit, account.DailySpent)

		balance, err := f.svc.GetBalance(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 90*unit, balance)
	}
}

// gatedLedger parks TransferOut until released and then fails it
type gatedLedger struct {
	repositories.Ledger
	entered chan struct{}
	release chan struct{}
}

func (l *gatedLedger) TransferOut(ctx context.Context, accountID uuid.UUID, to string, amount int64) error {
	close(l.entered)
	<-l.release
	return errLedgerDown
}

func TestReads_DoNotObserveUncommittedSpend(t *testing.T) {
	gate := &gatedLedger{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, withRepos(func(r *repositories.Repositories) {
		gate.Ledger = r.Ledger
		r.Ledger = gate
	}))
	ctx := context.Background()

	payErr := make(chan error, 1)
	go func() {
		_, err := f.svc.ExecutePayment(ctx, f.account.ID, agentAddr, PaymentRequest{
			To: recipientAddr, Amount: unit, EndpointID: testEndpoint,
		})
		payErr <- err
	}()
	<-gate.entered

	type snapshot struct {
		spent     int64
		remaining int64
		check     *models.CheckResult
		err       error
	}
	reads := make(chan snapshot, 1)
	go func() {
		var snap snapshot
		account, err := f.svc.GetAccount(ctx, f.account.ID)
		if err != nil {
			reads <- snapshot{err: err}
			return
		}
		snap.spent = account.DailySpent
		if snap.remaining, snap.err = f.svc.RemainingDailyBudget(ctx, f.account.ID); snap.err == nil {
			snap.check, snap.err = f.svc.CheckPayment(ctx, f.account.ID, 2*unit, testEndpoint)
		}
		reads <- snap
	}()

	select {
	case snap := <-reads:
		t.Fatalf("read finished during an in-flight payment: %+v", snap)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.release)
	require.ErrorIs(t, <-payErr, errLedgerDown)

	snap := <-reads
	require.NoError(t, snap.err)
	assert.Zero(t, snap.spent)
	assert.Equal(t, 50*unit, snap.remaining)
	assert.True(t, snap.check.Allowed)
}
