package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/upb/x402-guard/internal/clock"
	"github.com/upb/x402-guard/internal/lock"
	"github.com/upb/x402-guard/models"
	"github.com/upb/x402-guard/repositories"
	"github.com/upb/x402-guard/repositories/memory"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

const unit = int64(1_000_000)

const (
	ownerAddr     = "0x1111111111111111111111111111111111111111"
	agentAddr     = "0x2222222222222222222222222222222222222222"
	recipientAddr = "0x3333333333333333333333333333333333333333"
	strangerAddr  = "0x4444444444444444444444444444444444444444"
)

var (
	testEndpoint    = models.HashEndpoint("https://api.test.com")
	blockedEndpoint = models.HashEndpoint("https://blocked.api.com")
	testPolicy      = models.Policy{
		MaxPerTransaction: 5 * unit,
		DailyLimit:        50 * unit,
		ApprovalThreshold: 2 * unit,
	}
)

type deniedRecord struct {
	AccountID uuid.UUID
	Actor     string
	Command   string
	Code      string
}

type recordingAccess struct {
	mu      sync.Mutex
	records []deniedRecord
}

func (r *recordingAccess) LogAccessDenied(ctx context.Context, accountID uuid.UUID, actor, command, code, requestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, deniedRecord{AccountID: accountID, Actor: actor, Command: command, Code: code})
	return nil
}

func (r *recordingAccess) all() []deniedRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]deniedRecord(nil), r.records...)
}

// failingLedger rejects every outgoing transfer
type failingLedger struct {
	repositories.Ledger
	err error
}

func (l *failingLedger) TransferOut(ctx context.Context, accountID uuid.UUID, to string, amount int64) error {
	return l.err
}

var errLedgerDown = errors.New("ledger down")

type fixture struct {
	svc      *Service
	store    *memory.Store
	repos    *repositories.Repositories
	clock    *clock.Fixed
	recorder *recordingAccess
	spans    *tracetest.SpanRecorder
	account  *models.GuardedAccount
}

type fixtureOption func(*fixtureSettings)

type fixtureSettings struct {
	policy  models.Policy
	funding int64
	wrap    func(*repositories.Repositories)
}

func withPolicy(p models.Policy) fixtureOption {
	return func(s *fixtureSettings) { s.policy = p }
}

func withFunding(amount int64) fixtureOption {
	return func(s *fixtureSettings) { s.funding = amount }
}

func withRepos(fn func(*repositories.Repositories)) fixtureOption {
	return func(s *fixtureSettings) { s.wrap = fn }
}

// newFixture creates a guard owned by ownerAddr with agentAddr as agent,
// funded with 100.00 and testEndpoint on the allowlist.
func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	settings := fixtureSettings{policy: testPolicy, funding: 100 * unit}
	for _, opt := range opts {
		opt(&settings)
	}

	store := memory.NewStore(zap.NewNop())
	repos := store.Repositories()
	clk := clock.NewFixed(time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	recorder := &recordingAccess{}
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))

	svc := NewService(repos, lock.NewKeyedMutex(), zap.NewNop(), DefaultConfig(),
		WithClock(clk),
		WithAccessRecorder(recorder),
		WithTracer(tp.Tracer("guard-test")),
	)

	ctx := context.Background()
	account, err := svc.CreateGuard(ctx, ownerAddr, CreateGuardRequest{Agent: agentAddr, Policy: settings.policy})
	require.NoError(t, err)
	require.NoError(t, svc.SetEndpointAllowed(ctx, account.ID, ownerAddr, testEndpoint, true))
	if settings.funding > 0 {
		require.NoError(t, svc.Fund(ctx, account.ID, ownerAddr, settings.funding))
	}

	// Swap collaborators only after setup so funding goes through the real ledger.
	if settings.wrap != nil {
		settings.wrap(repos)
		svc = NewService(repos, lock.NewKeyedMutex(), zap.NewNop(), DefaultConfig(),
			WithClock(clk),
			WithAccessRecorder(recorder),
			WithTracer(tp.Tracer("guard-test")),
		)
	}

	return &fixture{
		svc:      svc,
		store:    store,
		repos:    repos,
		clock:    clk,
		recorder: recorder,
		spans:    spans,
		account:  account,
	}
}

func (f *fixture) pay(t *testing.T, amount int64, endpoint models.EndpointID) *models.Decision {
	t.Helper()
	d, err := f.svc.ExecutePayment(context.Background(), f.account.ID, agentAddr, PaymentRequest{
		To:         recipientAddr,
		Amount:     amount,
		EndpointID: endpoint,
	})
	require.NoError(t, err)
	return d
}

func (f *fixture) reload(t *testing.T) *models.GuardedAccount {
	t.Helper()
	account, err := f.svc.GetAccount(context.Background(), f.account.ID)
	require.NoError(t, err)
	return account
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	balance, err := f.svc.GetBalance(context.Background(), f.account.ID)
	require.NoError(t, err)
	return balance
}

func (f *fixture) actions(t *testing.T) []models.AuditAction {
	t.Helper()
	logs, err := f.svc.ListEvents(context.Background(), f.account.ID, 1000, 0)
	require.NoError(t, err)
	out := make([]models.AuditAction, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Action)
	}
	return out
}

func (f *fixture) lastEvent(t *testing.T) *models.AuditLog {
	t.Helper()
	logs, err := f.svc.ListEvents(context.Background(), f.account.ID, 1000, 0)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	return logs[len(logs)-1]
}
