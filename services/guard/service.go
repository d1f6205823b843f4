// Package guard is the payment policy engine: it decides whether an agent's
// payment is allowed, queued for the owner or blocked, and keeps the budget
// counters, endpoint allowlist and approval queue of every guarded account.
//
// Every mutating operation goes through Service.run, which serializes on the
// account lock, opens a transaction, loads the account row for update and
// checks the caller's role before the operation body executes.
package guard

import (
	"context"
	"errors"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/upb/x402-guard/internal/clock"
	"github.com/upb/x402-guard/internal/lock"
	"github.com/upb/x402-guard/internal/observability"
	"github.com/upb/x402-guard/models"
	"github.com/upb/x402-guard/repositories"
	"github.com/upb/x402-guard/services"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// AccessRecorder records denied attempts outside the rolled back transaction
type AccessRecorder interface {
	LogAccessDenied(ctx context.Context, accountID uuid.UUID, actor, command, code, requestID string) error
}

// Config holds the engine settings
type Config struct {
	// ApprovalTTL is how long a queued payment can be approved
	ApprovalTTL time.Duration
	// LockTimeout bounds the wait for the per-account lock
	LockTimeout time.Duration
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		ApprovalTTL: 24 * time.Hour,
		LockTimeout: 5 * time.Second,
	}
}

// Service implements every guarded account operation
type Service struct {
	accounts  repositories.AccountRepository
	endpoints repositories.EndpointRepository
	pending   repositories.PendingPaymentRepository
	auditLogs repositories.AuditRepository
	ledger    repositories.Ledger
	txManager repositories.TransactionManager
	locker    lock.Locker
	recorder  AccessRecorder
	clock     clock.Clock
	tracer    trace.Tracer
	logger    *zap.Logger
	config    Config
}

// Option customizes a Service
type Option func(*Service)

// WithClock replaces the system clock
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithTracer replaces the global tracer
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// WithAccessRecorder sets where denied attempts are recorded
func WithAccessRecorder(r AccessRecorder) Option {
	return func(s *Service) { s.recorder = r }
}

// NewService creates a new guard Service
func NewService(repos *repositories.Repositories, locker lock.Locker, logger *zap.Logger, cfg Config, opts ...Option) *Service {
	defaults := DefaultConfig()
	if cfg.ApprovalTTL <= 0 {
		cfg.ApprovalTTL = defaults.ApprovalTTL
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaults.LockTimeout
	}

	s := &Service{
		accounts:  repos.Accounts,
		endpoints: repos.Endpoints,
		pending:   repos.PendingPayments,
		auditLogs: repos.AuditLogs,
		ledger:    repos.Ledger,
		txManager: repos.TxManager,
		locker:    locker,
		clock:     clock.System{},
		tracer:    observability.Tracer(),
		logger:    logger,
		config:    cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// bodyFunc is an operation body. It runs inside the transaction with the
// locked account; mutations to account are persisted by the body itself.
type bodyFunc func(ctx context.Context, account *models.GuardedAccount) error

// run is the single entry point of every mutating operation
func (s *Service) run(ctx context.Context, accountID uuid.UUID, caller string, cmd Command, fn bodyFunc) error {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "guard."+string(cmd), trace.WithAttributes(
		attribute.String("guard.account_id", accountID.String()),
		attribute.String("guard.command", string(cmd)),
		attribute.String("guard.caller", caller),
	))
	defer span.End()

	err := s.runLocked(ctx, accountID, caller, cmd, fn)

	result := "ok"
	if err != nil {
		result = string(services.GetErrorType(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	observability.RecordOperation(string(cmd), result, time.Since(start))
	return err
}

func (s *Service) runLocked(ctx context.Context, accountID uuid.UUID, caller string, cmd Command, fn bodyFunc) error {
	lockCtx, cancel := context.WithTimeout(ctx, s.config.LockTimeout)
	waitStart := time.Now()
	release, err := s.locker.Lock(lockCtx, accountID.String())
	cancel()
	if err != nil {
		s.logger.Warn("failed to acquire account lock",
			zap.String("account_id", accountID.String()),
			zap.String("command", string(cmd)),
			zap.Error(err))
		return services.ErrLockFailed.Wrap(err)
	}
	defer release()
	observability.RecordLockWait(time.Since(waitStart))

	var denied error
	err = services.WithTransaction(ctx, s.txManager, func(txCtx context.Context, tx repositories.Transaction) error {
		account, err := s.accounts.GetForUpdate(txCtx, accountID)
		if err != nil {
			return mapAccountError(err)
		}
		if err := authorize(account, caller, cmd); err != nil {
			denied = err
			return err
		}
		return fn(txCtx, account)
	})

	if denied != nil {
		s.recordDenied(ctx, accountID, caller, cmd, denied)
		return denied
	}
	return classify(err)
}

func (s *Service) recordDenied(ctx context.Context, accountID uuid.UUID, caller string, cmd Command, err error) {
	code := string(services.GetErrorCode(err))
	s.logger.Warn("access denied",
		zap.String("account_id", accountID.String()),
		zap.String("caller", caller),
		zap.String("command", string(cmd)),
		zap.String("code", code),
		zap.String("request_id", requestID(ctx)))

	if s.recorder == nil {
		return
	}
	if err := s.recorder.LogAccessDenied(ctx, accountID, caller, string(cmd), code, requestID(ctx)); err != nil {
		s.logger.Warn("failed to record access denial", zap.Error(err))
	}
}

// view runs a read under the account lock. Storage backends may expose
// uncommitted writes, so reads wait for any in-flight mutation to commit or
// roll back before they look at the account.
func (s *Service) view(ctx context.Context, accountID uuid.UUID, fn func(account *models.GuardedAccount) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, s.config.LockTimeout)
	release, err := s.locker.Lock(lockCtx, accountID.String())
	cancel()
	if err != nil {
		return services.ErrLockFailed.Wrap(err)
	}
	defer release()

	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return mapAccountError(err)
	}
	return fn(account)
}

// audit writes a state transition record in the caller's transaction
func (s *Service) audit(ctx context.Context, log *models.AuditLog) error {
	log.At(s.clock.Now())
	log.WithRequest(requestID(ctx))
	if err := s.auditLogs.Insert(ctx, log); err != nil {
		return services.WrapInternal("failed to write audit log", err)
	}
	return nil
}

func (s *Service) today() int64 {
	return clock.PolicyDay(s.clock.Now())
}

func mapAccountError(err error) error {
	if errors.Is(err, repositories.ErrNotFound) {
		return services.ErrGuardNotFound
	}
	return services.WrapError(services.ErrorTypeInternal, "failed to load guarded account", err)
}

// classify keeps domain errors and wraps anything else as internal
func classify(err error) error {
	if err == nil {
		return nil
	}
	var domainErr *services.DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	return services.WrapInternal("guard operation failed", err)
}

func requestID(ctx context.Context) string {
	return middleware.GetReqID(ctx)
}

func normalizeCaller(caller string) (string, error) {
	addr, err := models.NormalizeAddress(caller)
	if err != nil {
		return "", services.ErrInvalidAddress.WithDetail("address", caller)
	}
	return addr, nil
}
