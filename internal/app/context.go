package app

import (
	"context"
	"errors"
	"fmt"

	"planlock/internal/config"
	"planlock/internal/repo"
)

// ResolveTenantAndConfig picks the active tenant and ensures its policy
// config exists in the DB, seeding defaults when missing. A workspace
// planlock.yml override wins over the stored config.
func ResolveTenantAndConfig(ctx context.Context, workspace, tenantOverride string, r repo.Repo) (string, *config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}

	tenantID := tenantOverride
	if tenantID == "" && fileCfg != nil {
		tenantID = fileCfg.Tenant.ID
	}
	if tenantID == "" {
		return "", nil, fmt.Errorf("tenant not specified; use --tenant or planlock.yml")
	}

	if fileCfg != nil && fileCfg.Tenant.ID == tenantID {
		if err := r.UpsertTenantConfig(ctx, tenantID, fileCfg); err != nil {
			return "", nil, fmt.Errorf("store tenant config: %w", err)
		}
		return tenantID, fileCfg, nil
	}

	cfg, err := r.GetTenantConfig(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(tenantID)
		if err := r.UpsertTenantConfig(ctx, tenantID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed tenant config: %w", err)
		}
	}
	cfg.Tenant.ID = tenantID
	return tenantID, cfg, nil
}
