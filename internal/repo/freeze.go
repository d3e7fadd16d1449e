package repo

import (
	"context"
	"database/sql"

	"planlock/internal/domain"
)

// UpsertFreezeMarkTx adds a freeze mark or revives a cleared one. An active
// mark is left untouched so the original reason and author survive retries.
func (r Repo) UpsertFreezeMarkTx(ctx context.Context, tx *sql.Tx, m domain.FreezeMark) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO freeze_marks(plan_id,stop_id,reason,created_by,created_at) VALUES (?,?,?,?,?)
		ON CONFLICT(plan_id,stop_id) DO UPDATE SET
			reason=CASE WHEN freeze_marks.cleared_at IS NULL THEN freeze_marks.reason ELSE excluded.reason END,
			created_by=CASE WHEN freeze_marks.cleared_at IS NULL THEN freeze_marks.created_by ELSE excluded.created_by END,
			created_at=CASE WHEN freeze_marks.cleared_at IS NULL THEN freeze_marks.created_at ELSE excluded.created_at END,
			cleared_at=NULL, cleared_by=NULL, clear_reason=NULL`,
		m.PlanID, m.StopID, m.Reason, m.CreatedBy, m.CreatedAt)
	return err
}

// ClearFreezeMarkTx marks a freeze mark cleared, keeping the row for the
// trail. Returns ErrNotFound when no active mark exists.
func (r Repo) ClearFreezeMarkTx(ctx context.Context, tx *sql.Tx, planID, stopID, clearedBy, clearReason, clearedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE freeze_marks SET cleared_at=?, cleared_by=?, clear_reason=? WHERE plan_id=? AND stop_id=? AND cleared_at IS NULL`,
		clearedAt, clearedBy, clearReason, planID, stopID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListFreezeMarks(ctx context.Context, planID string) ([]domain.FreezeMark, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT plan_id,stop_id,reason,created_by,created_at,cleared_at,cleared_by,clear_reason FROM freeze_marks WHERE plan_id=? ORDER BY stop_id`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.FreezeMark
	for rows.Next() {
		var m domain.FreezeMark
		var clearedAt, clearedBy, clearReason sql.NullString
		if err := rows.Scan(&m.PlanID, &m.StopID, &m.Reason, &m.CreatedBy, &m.CreatedAt, &clearedAt, &clearedBy, &clearReason); err != nil {
			return nil, err
		}
		if clearedAt.Valid {
			m.ClearedAt = &clearedAt.String
		}
		if clearedBy.Valid {
			m.ClearedBy = &clearedBy.String
		}
		if clearReason.Valid {
			m.ClearReason = &clearReason.String
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ActiveFreezeSet returns the stop ids currently frozen for a plan.
func (r Repo) ActiveFreezeSet(ctx context.Context, planID string) (map[string]bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT stop_id FROM freeze_marks WHERE plan_id=? AND cleared_at IS NULL`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	set := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		set[id] = true
	}
	return set, rows.Err()
}
