package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/upb/x402-guard/auth"
	"github.com/upb/x402-guard/config"
	"github.com/upb/x402-guard/handlers"
	"github.com/upb/x402-guard/internal/lock"
	"github.com/upb/x402-guard/internal/observability"
	"github.com/upb/x402-guard/middleware"
	"github.com/upb/x402-guard/repositories"
	"github.com/upb/x402-guard/repositories/memory"
	"github.com/upb/x402-guard/repositories/postgres"
	"github.com/upb/x402-guard/services/audit"
	"github.com/upb/x402-guard/services/guard"
	"go.uber.org/zap"
)

// auditStopTimeout bounds how long Close waits for queued audit events
const auditStopTimeout = 5 * time.Second

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	DB     *postgres.DB // nil on in-memory storage
	Logger *zap.Logger

	// Repository Factory
	RepoFactory *postgres.RepositoryFactory

	// Repositories
	Repos *repositories.Repositories

	// Per-account lock
	Locker      lock.Locker
	redisLocker *lock.RedisLocker

	// Services
	AuditService *audit.AuditService
	Guards       *guard.Service

	// Auth
	TokenIssuer    *auth.Issuer
	AuthMiddleware *middleware.AuthMiddleware
	RateLimiter    *middleware.RateLimiter

	tracingShutdown observability.ShutdownFunc
	stopCleanup     context.CancelFunc
	closed          bool
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initTracing(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	if err := deps.initStorage(ctx, cfg); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := deps.initLock(ctx, cfg); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize lock: %w", err)
	}

	if err := deps.initServices(cfg); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := deps.initAuth(cfg); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize auth: %w", err)
	}

	deps.initRateLimit(cfg)

	logger.Info("all dependencies initialized successfully",
		zap.String("storage", cfg.Storage),
		zap.String("lock", cfg.Lock.Backend),
	)
	return deps, nil
}

func (d *Dependencies) initTracing(ctx context.Context, cfg *config.Config) error {
	shutdown, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Observability.TracingEnabled,
		ServiceName: cfg.Observability.ServiceName,
		Endpoint:    cfg.Observability.TracingEndpoint,
		SampleRate:  cfg.Observability.TracingSampleRate,
		Insecure:    cfg.Observability.TracingInsecure,
		Environment: cfg.Environment,
	}, d.Logger)
	if err != nil {
		return err
	}
	d.tracingShutdown = shutdown
	return nil
}

// initStorage opens PostgreSQL or builds the in-memory store
func (d *Dependencies) initStorage(ctx context.Context, cfg *config.Config) error {
	if cfg.Storage == config.StorageMemory {
		d.Repos = memory.NewStore(d.Logger).Repositories()
		d.Logger.Warn("using in-memory storage, state is lost on restart")
		return nil
	}

	factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()

	if err := d.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	d.Repos = factory.NewRepositories()
	return nil
}

// InitSchema creates the tables when running on PostgreSQL
func (d *Dependencies) InitSchema(ctx context.Context) error {
	if d.RepoFactory == nil {
		return nil
	}
	if err := d.RepoFactory.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	d.Logger.Info("database schema initialized")
	return nil
}

func (d *Dependencies) initLock(ctx context.Context, cfg *config.Config) error {
	if cfg.Lock.Backend != config.LockRedis {
		d.Locker = lock.NewKeyedMutex()
		return nil
	}

	locker := lock.NewRedisLocker(lock.RedisOptions{
		Addr:     cfg.Lock.RedisAddr,
		Password: cfg.Lock.RedisPassword,
		DB:       cfg.Lock.RedisDB,
		TTL:      cfg.Lock.TTL,
	}, d.Logger)
	if err := locker.Ping(ctx); err != nil {
		_ = locker.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	d.redisLocker = locker
	d.Locker = locker
	d.Logger.Info("redis lock connected", zap.String("addr", cfg.Lock.RedisAddr))
	return nil
}

func (d *Dependencies) initServices(cfg *config.Config) error {
	d.AuditService = audit.NewAuditService(d.Repos.AuditLogs, d.Logger, audit.DefaultConfig())
	if err := d.AuditService.Start(); err != nil {
		return fmt.Errorf("failed to start audit service: %w", err)
	}

	d.Guards = guard.NewService(d.Repos, d.Locker, d.Logger,
		guard.Config{
			ApprovalTTL: cfg.Guard.ApprovalTTL,
			LockTimeout: cfg.Guard.LockTimeout,
		},
		guard.WithTracer(observability.Tracer()),
		guard.WithAccessRecorder(d.AuditService),
	)
	return nil
}

func (d *Dependencies) initAuth(cfg *config.Config) error {
	if cfg.Auth.JWTSecret == "" {
		d.Logger.Warn("JWT_SECRET not set, mutating endpoints will reject every request")
		// Reject-all validator so protected routes return 401
		d.AuthMiddleware = middleware.NewAuthMiddleware(&rejectAllValidator{}, d.Logger)
		return nil
	}

	validator, err := auth.NewValidator(cfg.Auth)
	if err != nil {
		return err
	}
	issuer, err := auth.NewIssuer(cfg.Auth)
	if err != nil {
		return err
	}

	d.TokenIssuer = issuer
	d.AuthMiddleware = middleware.NewAuthMiddleware(&tokenValidatorAdapter{validator: validator}, d.Logger)
	return nil
}

func (d *Dependencies) initRateLimit(cfg *config.Config) {
	if !cfg.RateLimit.Enabled {
		return
	}
	d.RateLimiter = middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, d.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	d.stopCleanup = cancel
	d.RateLimiter.StartCleanup(ctx, time.Minute, 10*time.Minute)
}

// HealthHandler returns the health handler with a probe per backing service
func (d *Dependencies) HealthHandler() *handlers.HealthHandler {
	var db *sql.DB
	if d.DB != nil {
		db = d.DB.DB
	}

	probes := []handlers.ReadinessProbe{{Name: "audit", Check: d.AuditService.Check}}
	if d.redisLocker != nil {
		probes = append(probes, handlers.ReadinessProbe{Name: "lock", Check: d.redisLocker.Ping})
	}
	return handlers.NewHealthHandler(db, d.Logger, probes...)
}

// tokenValidatorAdapter adapts auth.Validator to middleware.TokenValidator
type tokenValidatorAdapter struct {
	validator *auth.Validator
}

func (a *tokenValidatorAdapter) ValidateToken(ctx context.Context, token string) (*middleware.Claims, error) {
	parsed, err := a.validator.ValidateToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return &middleware.Claims{
		Sub: parsed.Address,
		Iss: parsed.Issuer,
		Exp: parsed.ExpiresAt.Unix(),
		Iat: parsed.IssuedAt.Unix(),
	}, nil
}

// rejectAllValidator rejects all tokens (used when no secret is configured)
type rejectAllValidator struct{}

func (*rejectAllValidator) ValidateToken(context.Context, string) (*middleware.Claims, error) {
	return nil, fmt.Errorf("authentication not configured")
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.stopCleanup != nil {
		d.stopCleanup()
	}

	// Drain queued audit events before the store goes away
	if d.AuditService != nil {
		if err := d.AuditService.Stop(auditStopTimeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop audit service: %w", err))
		}
	}

	if d.redisLocker != nil {
		if err := d.redisLocker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	if d.tracingShutdown != nil {
		if err := d.tracingShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush traces: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}
