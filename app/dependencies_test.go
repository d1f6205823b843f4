package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/x402-guard/config"
	"github.com/upb/x402-guard/middleware"
	"github.com/upb/x402-guard/models"
	"github.com/upb/x402-guard/repositories/postgres"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

const (
	seedOwner = "0x1111111111111111111111111111111111111111"
	seedAgent = "0x2222222222222222222222222222222222222222"
	unit      = int64(1_000_000)
)

func TestNewDependencies(t *testing.T) {
	t.Run("in-memory wiring", func(t *testing.T) {
		ctx := context.Background()
		deps, err := NewDependencies(ctx, memoryConfig(), zaptest.NewLogger(t))
		require.NoError(t, err)
		defer deps.Close(ctx)

		assert.NotNil(t, deps.Config)
		assert.NotNil(t, deps.Logger)
		assert.Nil(t, deps.DB)
		assert.Nil(t, deps.RepoFactory)
		assert.NotNil(t, deps.Repos)
		assert.NotNil(t, deps.Locker)
		assert.NotNil(t, deps.AuditService)
		assert.NotNil(t, deps.Guards)
		assert.NotNil(t, deps.TokenIssuer)
		assert.NotNil(t, deps.AuthMiddleware)
		assert.NotNil(t, deps.RateLimiter)

		// no schema to create on memory storage
		assert.NoError(t, deps.InitSchema(ctx))
	})

	t.Run("rate limiting disabled", func(t *testing.T) {
		ctx := context.Background()
		cfg := memoryConfig()
		cfg.RateLimit.Enabled = false

		deps, err := NewDependencies(ctx, cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer deps.Close(ctx)

		assert.Nil(t, deps.RateLimiter)
	})

	t.Run("without a secret every token is rejected", func(t *testing.T) {
		ctx := context.Background()
		cfg := memoryConfig()
		cfg.Auth.JWTSecret = ""

		deps, err := NewDependencies(ctx, cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer deps.Close(ctx)

		assert.Nil(t, deps.TokenIssuer)
		_, err = (&rejectAllValidator{}).ValidateToken(ctx, "anything")
		assert.Error(t, err)
	})

	t.Run("database connection failure", func(t *testing.T) {
		ctx := context.Background()
		cfg := memoryConfig()
		cfg.Storage = config.StoragePostgres
		cfg.Database = config.DatabaseConfig{
			Host:     "127.0.0.1",
			Port:     1,
			User:     "guard",
			Password: "guard",
			Database: "guard",
			SSLMode:  "disable",
		}

		deps, err := NewDependencies(ctx, cfg, zaptest.NewLogger(t))
		assert.Error(t, err)
		assert.Nil(t, deps)
		assert.Contains(t, err.Error(), "failed to initialize storage")
	})

	t.Run("redis connection failure", func(t *testing.T) {
		ctx := context.Background()
		cfg := memoryConfig()
		cfg.Lock.Backend = config.LockRedis
		cfg.Lock.RedisAddr = "127.0.0.1:1"

		deps, err := NewDependencies(ctx, cfg, zaptest.NewLogger(t))
		assert.Error(t, err)
		assert.Nil(t, deps)
		assert.Contains(t, err.Error(), "failed to initialize lock")
	})
}

func TestNewDependencies_Postgres(t *testing.T) {
	cfg := postgresConfig()
	if !isDatabaseAvailable(t, cfg) {
		t.Skip("database not available")
	}

	ctx := context.Background()
	deps, err := NewDependencies(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer deps.Close(ctx)

	assert.NotNil(t, deps.DB)
	assert.NotNil(t, deps.RepoFactory)
	require.NoError(t, deps.InitSchema(ctx))
}

func TestDependenciesClose(t *testing.T) {
	ctx := context.Background()
	deps, err := NewDependencies(ctx, memoryConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.NoError(t, deps.Close(ctx))
	// second close is a no-op
	assert.NoError(t, deps.Close(ctx))
}

func TestTokenValidatorAdapter(t *testing.T) {
	ctx := context.Background()
	deps, err := NewDependencies(ctx, memoryConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer deps.Close(ctx)

	token, expiresAt, err := deps.TokenIssuer.Issue("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	var claims *middleware.Claims
	deps.AuthMiddleware.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims = middleware.GetClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, claims)
	assert.Equal(t, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", claims.Sub)
	assert.Equal(t, "x402-guard-test", claims.Iss)
	assert.Equal(t, expiresAt.Unix(), claims.Exp)
}

func TestHealthHandler_MemoryStorageIsReady(t *testing.T) {
	ctx := context.Background()
	deps, err := NewDependencies(ctx, memoryConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer deps.Close(ctx)

	rec := httptest.NewRecorder()
	deps.HealthHandler().HandleReadiness(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"audit":"healthy"`)
}

func TestHealthHandler_StoppedAuditIsNotReady(t *testing.T) {
	ctx := context.Background()
	deps, err := NewDependencies(ctx, memoryConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer deps.Close(ctx)

	require.NoError(t, deps.AuditService.Stop(time.Second))

	rec := httptest.NewRecorder()
	deps.HealthHandler().HandleReadiness(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"audit":"unhealthy"`)
}

func TestLoadSeed(t *testing.T) {
	ctx := context.Background()
	deps, err := NewDependencies(ctx, memoryConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer deps.Close(ctx)

	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
guards:
  - owner: "0x1111111111111111111111111111111111111111"
    agent: "0x2222222222222222222222222222222222222222"
    policy:
      max_per_transaction: "5"
      daily_limit: "50"
      approval_threshold: "2"
    endpoints:
      - https://api.example.com/weather
      - https://api.example.com/news
    fund: "100.50"
  - owner: "0x3333333333333333333333333333333333333333"
    agent: "0x4444444444444444444444444444444444444444"
    policy:
      max_per_transaction: "1"
      daily_limit: "10"
      approval_threshold: "0"
    allow_all_endpoints: true
`), 0o600))

	ids, err := deps.LoadSeed(ctx, path)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	first, err := deps.Guards.GetAccount(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, seedOwner, first.Owner)
	assert.Equal(t, seedAgent, first.Agent)
	assert.Equal(t, models.Policy{
		MaxPerTransaction: 5 * unit,
		DailyLimit:        50 * unit,
		ApprovalThreshold: 2 * unit,
	}, first.Policy())
	assert.False(t, first.AllowAllEndpoints)

	allowed, err := deps.Guards.IsEndpointAllowedByURL(ctx, ids[0], "https://api.example.com/news")
	require.NoError(t, err)
	assert.True(t, allowed)

	balance, err := deps.Guards.GetBalance(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, 100*unit+500_000, balance)

	second, err := deps.Guards.GetAccount(ctx, ids[1])
	require.NoError(t, err)
	assert.True(t, second.AllowAllEndpoints)

	balance, err = deps.Guards.GetBalance(ctx, ids[1])
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestApplySeed_LogsAmounts(t *testing.T) {
	ctx := context.Background()
	deps, err := NewDependencies(ctx, memoryConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer deps.Close(ctx)

	seed, err := ParseSeed([]byte(`
guards:
  - owner: "0x1111111111111111111111111111111111111111"
    agent: "0x2222222222222222222222222222222222222222"
    policy: {max_per_transaction: "5", daily_limit: "50.5", approval_threshold: "0.000001"}
    fund: "12.25"
`))
	require.NoError(t, err)

	core, logs := observer.New(zap.InfoLevel)
	ids, err := ApplySeed(ctx, deps.Guards, seed, zap.New(core))
	require.NoError(t, err)
	require.Len(t, ids, 1)

	entries := logs.FilterMessage("seeded guard").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, ids[0].String(), fields["account_id"])
	assert.Equal(t, "5.000000", fields["max_per_transaction"])
	assert.Equal(t, "50.500000", fields["daily_limit"])
	assert.Equal(t, "0.000001", fields["approval_threshold"])
	assert.Equal(t, "12.250000", fields["funded"])
}

func TestLoadSeed_Errors(t *testing.T) {
	ctx := context.Background()
	deps, err := NewDependencies(ctx, memoryConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer deps.Close(ctx)

	t.Run("missing file", func(t *testing.T) {
		_, err := deps.LoadSeed(ctx, filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	tests := []struct {
		name string
		doc  string
	}{
		{"malformed yaml", "guards: [\n"},
		{"missing agent", "guards:\n  - owner: \"" + seedOwner + "\"\n"},
		{"bad amount", "guards:\n  - owner: \"" + seedOwner + "\"\n    agent: \"" + seedAgent + "\"\n    policy:\n      max_per_transaction: \"five\"\n"},
		{"bad owner", "guards:\n  - owner: alice\n    agent: \"" + seedAgent + "\"\n    policy: {max_per_transaction: \"1\", daily_limit: \"1\", approval_threshold: \"0\"}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "seed.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.doc), 0o600))

			ids, err := deps.LoadSeed(ctx, path)
			assert.Error(t, err)
			assert.Empty(t, ids)
		})
	}
}

// Test helpers

func memoryConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Storage:     config.StorageMemory,
		Server: config.ServerConfig{
			Host:            "localhost",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: config.AuthConfig{
			JWTSecret: "test-secret-that-is-long-enough-for-hs256",
			Issuer:    "x402-guard-test",
			TokenTTL:  time.Hour,
		},
		Guard: config.GuardConfig{
			ApprovalTTL: 24 * time.Hour,
			LockTimeout: time.Second,
		},
		Lock: config.LockConfig{Backend: config.LockMemory},
		RateLimit: config.RateLimitConfig{
			Enabled: true,
			RPS:     10,
			Burst:   20,
		},
		Observability: config.ObservabilityConfig{
			LogLevel:    "debug",
			LogFormat:   "json",
			ServiceName: "x402-guard-test",
		},
	}
}

func postgresConfig() *config.Config {
	cfg := memoryConfig()
	cfg.Storage = config.StoragePostgres
	cfg.Database = config.DatabaseConfig{
		Host:            getEnvOrDefault("DB_HOST", "localhost"),
		Port:            5432,
		User:            getEnvOrDefault("DB_USER", "guard"),
		Password:        getEnvOrDefault("DB_PASSWORD", "guard"),
		Database:        getEnvOrDefault("DB_NAME", "guard_test"),
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
	}
	return cfg
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func isDatabaseAvailable(t *testing.T, cfg *config.Config) bool {
	t.Helper()
	factory, err := postgres.NewRepositoryFactory(cfg, zap.NewNop())
	if err != nil {
		return false
	}
	defer factory.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	return factory.GetDB().PingContext(ctx) == nil
}
