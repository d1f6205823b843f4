package guard

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/upb/x402-guard/models"
	"github.com/upb/x402-guard/services"
)

// SetEndpointAllowed records the allowlist flag of an endpoint hash
func (s *Service) SetEndpointAllowed(ctx context.Context, accountID uuid.UUID, caller string, endpoint models.EndpointID, allowed bool) error {
	caller, err := normalizeCaller(caller)
	if err != nil {
		return err
	}

	return s.run(ctx, accountID, caller, CmdSetEndpointAllowed, func(ctx context.Context, account *models.GuardedAccount) error {
		return s.setEndpoint(ctx, account, caller, endpoint, allowed, "")
	})
}

// SetEndpointAllowedByURL hashes url as given and records its flag
func (s *Service) SetEndpointAllowedByURL(ctx context.Context, accountID uuid.UUID, caller, url string, allowed bool) (models.EndpointID, error) {
	if strings.TrimSpace(url) == "" {
		return models.EndpointID{}, services.ErrInvalidInput.WithDetail("url", url)
	}
	caller, err := normalizeCaller(caller)
	if err != nil {
		return models.EndpointID{}, err
	}

	endpoint := models.HashEndpoint(url)
	err = s.run(ctx, accountID, caller, CmdSetEndpointAllowed, func(ctx context.Context, account *models.GuardedAccount) error {
		return s.setEndpoint(ctx, account, caller, endpoint, allowed, url)
	})
	if err != nil {
		return models.EndpointID{}, err
	}
	return endpoint, nil
}

func (s *Service) setEndpoint(ctx context.Context, account *models.GuardedAccount, caller string, endpoint models.EndpointID, allowed bool, url string) error {
	if err := s.endpoints.Set(ctx, account.ID, endpoint, allowed); err != nil {
		return services.WrapInternal("failed to update endpoint allowlist", err)
	}

	details := map[string]interface{}{"allowed": allowed}
	if url != "" {
		details["url"] = url
	}
	log := models.NewAuditLog(account.ID, models.AuditActionEndpointAllowed, caller).
		WithEndpoint(endpoint).
		WithDetails(details)
	return s.audit(ctx, log)
}

// SetAllowAllEndpoints toggles the allowlist bypass
func (s *Service) SetAllowAllEndpoints(ctx context.Context, accountID uuid.UUID, caller string, allow bool) error {
	caller, err := normalizeCaller(caller)
	if err != nil {
		return err
	}

	return s.run(ctx, accountID, caller, CmdSetAllEndpoints, func(ctx context.Context, account *models.GuardedAccount) error {
		account.AllowAllEndpoints = allow
		account.UpdatedAt = s.clock.Now()
		if err := s.accounts.Update(ctx, account); err != nil {
			return services.WrapInternal("failed to update allow-all flag", err)
		}

		log := models.NewAuditLog(account.ID, models.AuditActionAllEndpointsToggled, caller).
			WithDetails(map[string]interface{}{"allow_all": allow})
		return s.audit(ctx, log)
	})
}

// IsEndpointAllowed reports explicit membership; the allow-all flag is not consulted
func (s *Service) IsEndpointAllowed(ctx context.Context, accountID uuid.UUID, endpoint models.EndpointID) (bool, error) {
	var allowed bool
	err := s.view(ctx, accountID, func(*models.GuardedAccount) error {
		var err error
		allowed, err = s.endpoints.IsAllowed(ctx, accountID, endpoint)
		if err != nil {
			return services.WrapInternal("failed to read endpoint allowlist", err)
		}
		return nil
	})
	return allowed, err
}

// IsEndpointAllowedByURL is IsEndpointAllowed for the hash of url
func (s *Service) IsEndpointAllowedByURL(ctx context.Context, accountID uuid.UUID, url string) (bool, error) {
	if strings.TrimSpace(url) == "" {
		return false, services.ErrInvalidInput.WithDetail("url", url)
	}
	return s.IsEndpointAllowed(ctx, accountID, models.HashEndpoint(url))
}

// ListEndpoints returns every explicitly configured endpoint
func (s *Service) ListEndpoints(ctx context.Context, accountID uuid.UUID) ([]models.EndpointEntry, error) {
	var entries []models.EndpointEntry
	err := s.view(ctx, accountID, func(*models.GuardedAccount) error {
		var err error
		entries, err = s.endpoints.List(ctx, accountID)
		if err != nil {
			return services.WrapInternal("failed to list endpoints", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
