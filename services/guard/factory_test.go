package guard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/x402-guard/internal/clock"
	"github.com/upb/x402-guard/models"
	"github.com/upb/x402-guard/services"
)

func TestCreateGuard(t *testing.T) {
	f := newFixture(t)

	account := f.reload(t)
	assert.Equal(t, ownerAddr, account.Owner)
	assert.Equal(t, agentAddr, account.Agent)
	assert.Equal(t, testPolicy, account.Policy())
	assert.Equal(t, clock.PolicyDay(f.clock.Now()), account.LastResetDay)
	assert.False(t, account.AllowAllEndpoints)
	assert.Zero(t, account.DailySpent)
	assert.Zero(t, account.TotalSpent)

	logs, err := f.svc.ListEvents(context.Background(), account.ID, 1, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.AuditActionGuardCreated, logs[0].Action)
}

func TestCreateGuard_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateGuard(ctx, "owner", CreateGuardRequest{Agent: agentAddr, Policy: testPolicy})
	assert.ErrorIs(t, err, services.ErrInvalidAddress)

	_, err = f.svc.CreateGuard(ctx, ownerAddr, CreateGuardRequest{Agent: "agent", Policy: testPolicy})
	assert.ErrorIs(t, err, services.ErrInvalidAddress)

	_, err = f.svc.CreateGuard(ctx, ownerAddr, CreateGuardRequest{Agent: agentAddr, Policy: models.Policy{DailyLimit: -1}})
	assert.ErrorIs(t, err, services.ErrInvalidPolicy)

	count, err := f.svc.CountGuards(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestListGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	second, err := f.svc.CreateGuard(ctx, ownerAddr, CreateGuardRequest{Agent: agentAddr, Policy: testPolicy})
	require.NoError(t, err)
	other, err := f.svc.CreateGuard(ctx, strangerAddr, CreateGuardRequest{Agent: agentAddr, Policy: testPolicy})
	require.NoError(t, err)

	owned, err := f.svc.ListGuardsByOwner(ctx, "0x1111111111111111111111111111111111111111")
	require.NoError(t, err)
	require.Len(t, owned, 2)
	assert.Equal(t, f.account.ID, owned[0].ID)
	assert.Equal(t, second.ID, owned[1].ID)

	all, err := f.svc.ListGuards(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, other.ID, all[2].ID)

	page, err := f.svc.ListGuards(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, second.ID, page[0].ID)

	count, err := f.svc.CountGuards(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	_, err = f.svc.ListGuardsByOwner(ctx, "nobody")
	assert.ErrorIs(t, err, services.ErrInvalidAddress)

	_, err = f.svc.ListGuards(ctx, 0, 0)
	assert.True(t, services.IsValidationError(err))
}
