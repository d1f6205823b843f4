package app

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/upb/x402-guard/models"
	"github.com/upb/x402-guard/services/guard"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Seed describes guards created at startup, e.g. by a deploy script
type Seed struct {
	Guards []SeedGuard `yaml:"guards"`
}

// SeedGuard is one guard of a seed file. Amounts are decimal strings in
// token units ("2.50").
type SeedGuard struct {
	Owner             string     `yaml:"owner"`
	Agent             string     `yaml:"agent"`
	Policy            SeedPolicy `yaml:"policy"`
	AllowAllEndpoints bool       `yaml:"allow_all_endpoints"`
	Endpoints         []string   `yaml:"endpoints"`
	Fund              string     `yaml:"fund"`
}

// SeedPolicy holds the limits of a seeded guard
type SeedPolicy struct {
	MaxPerTransaction string `yaml:"max_per_transaction"`
	DailyLimit        string `yaml:"daily_limit"`
	ApprovalThreshold string `yaml:"approval_threshold"`
}

func (p SeedPolicy) toModel() (models.Policy, error) {
	var policy models.Policy
	fields := []struct {
		name  string
		value string
		dst   *int64
	}{
		{"max_per_transaction", p.MaxPerTransaction, &policy.MaxPerTransaction},
		{"daily_limit", p.DailyLimit, &policy.DailyLimit},
		{"approval_threshold", p.ApprovalThreshold, &policy.ApprovalThreshold},
	}
	for _, f := range fields {
		amount, err := models.ParseAmount(f.value)
		if err != nil {
			return models.Policy{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = amount
	}
	return policy, nil
}

// ParseSeed decodes a seed document
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed: %w", err)
	}
	for i, g := range seed.Guards {
		if g.Owner == "" || g.Agent == "" {
			return nil, fmt.Errorf("guard %d: owner and agent are required", i)
		}
	}
	return &seed, nil
}

// LoadSeed reads a seed file and creates its guards
func (d *Dependencies) LoadSeed(ctx context.Context, path string) ([]uuid.UUID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	seed, err := ParseSeed(data)
	if err != nil {
		return nil, err
	}
	return ApplySeed(ctx, d.Guards, seed, d.Logger)
}

// ApplySeed creates every guard of the seed with its owner as the caller.
// It stops at the first failure; guards created before it are kept.
func ApplySeed(ctx context.Context, guards *guard.Service, seed *Seed, logger *zap.Logger) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(seed.Guards))
	for i, g := range seed.Guards {
		id, err := applySeedGuard(ctx, guards, g, logger)
		if err != nil {
			return ids, fmt.Errorf("guard %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func applySeedGuard(ctx context.Context, guards *guard.Service, g SeedGuard, logger *zap.Logger) (uuid.UUID, error) {
	policy, err := g.Policy.toModel()
	if err != nil {
		return uuid.Nil, err
	}
	owner, err := models.NormalizeAddress(g.Owner)
	if err != nil {
		return uuid.Nil, err
	}

	account, err := guards.CreateGuard(ctx, owner, guard.CreateGuardRequest{
		Agent:  g.Agent,
		Policy: policy,
	})
	if err != nil {
		return uuid.Nil, err
	}

	for _, url := range g.Endpoints {
		if _, err := guards.SetEndpointAllowedByURL(ctx, account.ID, owner, url, true); err != nil {
			return account.ID, fmt.Errorf("allow %s: %w", url, err)
		}
	}
	if g.AllowAllEndpoints {
		if err := guards.SetAllowAllEndpoints(ctx, account.ID, owner, true); err != nil {
			return account.ID, err
		}
	}

	var funded int64
	if g.Fund != "" {
		amount, err := models.ParseAmount(g.Fund)
		if err != nil {
			return account.ID, fmt.Errorf("fund: %w", err)
		}
		if amount > 0 {
			if err := guards.Fund(ctx, account.ID, owner, amount); err != nil {
				return account.ID, err
			}
			funded = amount
		}
	}

	logger.Info("seeded guard",
		zap.String("account_id", account.ID.String()),
		zap.String("owner", owner),
		zap.String("max_per_transaction", models.FormatAmount(policy.MaxPerTransaction)),
		zap.String("daily_limit", models.FormatAmount(policy.DailyLimit)),
		zap.String("approval_threshold", models.FormatAmount(policy.ApprovalThreshold)),
		zap.String("funded", models.FormatAmount(funded)),
		zap.Int("endpoints", len(g.Endpoints)),
	)
	return account.ID, nil
}
