package engine

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"planlock/internal/canonical"
	"planlock/internal/domain"
)

// RunIdempotent executes fn at most once per (tenant, key). The payload is
// fingerprinted over its canonical form, so key reuse with the same payload
// replays the stored result and reuse with a different payload is rejected.
// A key whose first attempt is still running also rejects: the caller must
// wait, not fork a second execution. An empty key is a validation error;
// a keyless retry of a mutation would execute it twice.
func (e Engine) RunIdempotent(ctx context.Context, tenantID, key string, payload any, fn func(ctx context.Context) (any, error)) (json.RawMessage, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, domain.E(domain.CodeValidation, "idempotency key must not be empty")
	}

	fingerprint, err := canonical.Hash(payload)
	if err != nil {
		return nil, false, domain.EWrap(domain.CodeInternal, err, "fingerprint payload")
	}
	cfg, err := e.tenantConfig(ctx, tenantID)
	if err != nil {
		return nil, false, err
	}
	now := e.now()
	rec := domain.IdempotencyRecord{
		TenantID:    tenantID,
		Key:         key,
		Fingerprint: fingerprint,
		Status:      domain.IdemRunning,
		CreatedAt:   now.UTC().Format(time.RFC3339),
		ExpiresAt:   now.UTC().Add(cfg.IdempotencyTTL()).Format(time.RFC3339),
	}
	inserted, existing, err := e.Repo.BeginIdempotent(ctx, rec, now)
	if err != nil {
		return nil, false, domain.EWrap(domain.CodeInternal, err, "claim idempotency key")
	}
	if !inserted {
		if existing.Fingerprint != fingerprint {
			return nil, false, domain.E(domain.CodeConflict, "idempotency key %q reused with a different payload", key)
		}
		if existing.Status == domain.IdemRunning {
			return nil, false, domain.E(domain.CodeConflict, "idempotency key %q is still in flight", key)
		}
		return json.RawMessage(existing.ResponseJSON), true, nil
	}

	out, err := fn(ctx)
	if err != nil {
		// Failed attempts release the key so the caller can retry.
		if aErr := e.Repo.AbortIdempotent(ctx, tenantID, key); aErr != nil {
			return nil, false, domain.EWrap(domain.CodeInternal, aErr, "release idempotency key")
		}
		return nil, false, err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, false, domain.EWrap(domain.CodeInternal, err, "encode result")
	}
	if err := e.Repo.FinishIdempotent(ctx, tenantID, key, string(raw)); err != nil {
		return nil, false, domain.EWrap(domain.CodeInternal, err, "store idempotent result")
	}
	return raw, false, nil
}
