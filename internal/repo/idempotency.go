package repo

import (
	"context"
	"database/sql"
	"time"

	"planlock/internal/domain"
)

// BeginIdempotent atomically claims (tenant, key) for execution. Expired
// rows are reaped first so a stale claim never shadows a fresh request.
// Returns inserted=true when this caller won the claim; otherwise the
// existing record is returned for fingerprint comparison / replay.
func (r Repo) BeginIdempotent(ctx context.Context, rec domain.IdempotencyRecord, now time.Time) (inserted bool, existing domain.IdempotencyRecord, err error) {
	nowStr := now.UTC().Format(time.RFC3339)
	if _, err = r.DB.ExecContext(ctx, `DELETE FROM idempotency_records WHERE tenant_id=? AND key=? AND expires_at<=?`, rec.TenantID, rec.Key, nowStr); err != nil {
		return false, existing, err
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO idempotency_records(tenant_id,key,fingerprint,status,response_json,created_at,expires_at) VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(tenant_id,key) DO NOTHING`,
		rec.TenantID, rec.Key, rec.Fingerprint, rec.Status, nullable(rec.ResponseJSON), rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return false, existing, err
	}
	affected, _ := res.RowsAffected()
	if affected == 1 {
		return true, existing, nil
	}
	existing, err = r.GetIdempotencyRecord(ctx, rec.TenantID, rec.Key)
	return false, existing, err
}

func (r Repo) GetIdempotencyRecord(ctx context.Context, tenantID, key string) (domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	var resp sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT tenant_id,key,fingerprint,status,response_json,created_at,expires_at FROM idempotency_records WHERE tenant_id=? AND key=?`, tenantID, key).
		Scan(&rec.TenantID, &rec.Key, &rec.Fingerprint, &rec.Status, &resp, &rec.CreatedAt, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if resp.Valid {
		rec.ResponseJSON = resp.String
	}
	return rec, err
}

// FinishIdempotent stores the cached response and flips the claim to DONE.
func (r Repo) FinishIdempotent(ctx context.Context, tenantID, key, responseJSON string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE idempotency_records SET status=?, response_json=? WHERE tenant_id=? AND key=? AND status=?`,
		domain.IdemDone, responseJSON, tenantID, key, domain.IdemRunning)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// AbortIdempotent releases a claim whose execution failed so the caller can
// retry with the same key.
func (r Repo) AbortIdempotent(ctx context.Context, tenantID, key string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM idempotency_records WHERE tenant_id=? AND key=? AND status=?`, tenantID, key, domain.IdemRunning)
	return err
}

// --- nonce replay cache ---

// SeenNonce atomically records a nonce. Returns true when the nonce was
// already present and unexpired, i.e. the request is a replay.
func (r Repo) SeenNonce(ctx context.Context, nonce string, now time.Time, ttl time.Duration) (bool, error) {
	nowStr := now.UTC().Format(time.RFC3339)
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM nonces WHERE expires_at<=?`, nowStr); err != nil {
		return false, err
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO nonces(nonce,seen_at,expires_at) VALUES (?,?,?) ON CONFLICT(nonce) DO NOTHING`,
		nonce, nowStr, now.UTC().Add(ttl).Format(time.RFC3339))
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected == 0, nil
}
