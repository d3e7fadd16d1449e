package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"planlock/internal/domain"
)

// gatePollInterval is how often a waiting acquirer retries the claim.
const gatePollInterval = 25 * time.Millisecond

// LockKey maps a (tenant, site, scenario) scope to its gate key. The key is
// a truncated digest: distinct scopes may rarely collide, which only causes
// spurious contention, never shared state.
func LockKey(tenantID, siteID, scenarioID string) string {
	sum := sha256.Sum256([]byte(tenantID + "|" + siteID + "|" + scenarioID))
	return hex.EncodeToString(sum[:8])
}

// GateToken is proof of a held scope lock.
type GateToken struct {
	LockKey string
	Token   string
}

// AcquireGate serializes mutating work on a scope. It polls the shared lock
// table until maxWait elapses, then fails RESOURCE_BUSY with no state
// change. The hold expires after the configured gate TTL so a crashed
// holder cannot wedge its scope.
func (e Engine) AcquireGate(ctx context.Context, tenantID, siteID, scenarioID, actor string, maxWait time.Duration) (GateToken, error) {
	cfg, err := e.tenantConfig(ctx, tenantID)
	if err != nil {
		return GateToken{}, err
	}
	key := LockKey(tenantID, siteID, scenarioID)
	token := uuid.New().String()
	// The wait budget runs on the monotonic wall clock, not the injectable
	// one: the loop sleeps in real time, so measuring elapsed wait with a
	// clock that may stand still would never hit the deadline.
	start := time.Now()
	for {
		now := e.now()
		lock := domain.ScopeLock{
			LockKey:    key,
			Token:      token,
			TenantID:   tenantID,
			SiteID:     siteID,
			ScenarioID: scenarioID,
			Actor:      actor,
			AcquiredAt: now.UTC().Format(time.RFC3339),
			ExpiresAt:  now.UTC().Add(cfg.GateTTL()).Format(time.RFC3339),
		}
		ok, err := e.Repo.TryAcquireLock(ctx, lock, now)
		if err != nil {
			return GateToken{}, domain.EWrap(domain.CodeInternal, err, "acquire scope lock")
		}
		if ok {
			return GateToken{LockKey: key, Token: token}, nil
		}
		if time.Since(start)+gatePollInterval > maxWait {
			return GateToken{}, domain.E(domain.CodeResourceBusy, "scope %s/%s/%s is busy", tenantID, siteID, scenarioID)
		}
		select {
		case <-ctx.Done():
			return GateToken{}, domain.EWrap(domain.CodeResourceBusy, ctx.Err(), "gate wait cancelled")
		case <-time.After(gatePollInterval):
		}
	}
}

// ReleaseGate frees the scope. Safe to call after expiry.
func (e Engine) ReleaseGate(ctx context.Context, t GateToken) error {
	if t.Token == "" {
		return nil
	}
	return e.Repo.ReleaseLock(ctx, t.LockKey, t.Token)
}
