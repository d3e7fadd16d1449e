package repo

import (
	"context"
	"database/sql"
	"time"

	"planlock/internal/domain"
)

// TryAcquireLock atomically claims a scope lock key. Expired holds are
// reaped first so a crashed holder cannot block its scope past the TTL.
// Returns false when another holder has the key.
func (r Repo) TryAcquireLock(ctx context.Context, l domain.ScopeLock, now time.Time) (bool, error) {
	nowStr := now.UTC().Format(time.RFC3339)
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM scope_locks WHERE lock_key=? AND expires_at<=?`, l.LockKey, nowStr); err != nil {
		return false, err
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO scope_locks(lock_key,token,tenant_id,site_id,scenario_id,actor,acquired_at,expires_at) VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(lock_key) DO NOTHING`,
		l.LockKey, l.Token, l.TenantID, l.SiteID, l.ScenarioID, l.Actor, l.AcquiredAt, l.ExpiresAt)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected == 1, nil
}

// ReleaseLock frees a lock by token. Releasing an already-expired or
// re-acquired lock is a no-op.
func (r Repo) ReleaseLock(ctx context.Context, lockKey, token string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM scope_locks WHERE lock_key=? AND token=?`, lockKey, token)
	return err
}

func (r Repo) GetLock(ctx context.Context, lockKey string) (domain.ScopeLock, error) {
	var l domain.ScopeLock
	err := r.DB.QueryRowContext(ctx, `SELECT lock_key,token,tenant_id,site_id,scenario_id,actor,acquired_at,expires_at FROM scope_locks WHERE lock_key=?`, lockKey).
		Scan(&l.LockKey, &l.Token, &l.TenantID, &l.SiteID, &l.ScenarioID, &l.Actor, &l.AcquiredAt, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}
