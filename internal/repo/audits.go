package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"planlock/internal/domain"
)

func (r Repo) InsertAuditResultsTx(ctx context.Context, tx *sql.Tx, results []domain.AuditResult) error {
	for _, res := range results {
		detail, err := marshalStrings(res.Offenders)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO audit_results(id,plan_id,run_id,check_name,status,violation_count,detail_json,as_of,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
			res.ID, res.PlanID, res.RunID, res.CheckName, res.Status, res.ViolationCount, detail, res.AsOf, res.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

// LatestAuditResults returns the results of the most recent audit run for a
// plan, in check order.
func (r Repo) LatestAuditResults(ctx context.Context, planID string) ([]domain.AuditResult, error) {
	var runID sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT run_id FROM audit_results WHERE plan_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1`, planID).Scan(&runID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,plan_id,run_id,check_name,status,violation_count,detail_json,as_of,created_at FROM audit_results WHERE plan_id=? AND run_id=? ORDER BY rowid`, planID, runID.String)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AuditResult
	for rows.Next() {
		var res domain.AuditResult
		var detail sql.NullString
		if err := rows.Scan(&res.ID, &res.PlanID, &res.RunID, &res.CheckName, &res.Status, &res.ViolationCount, &detail, &res.AsOf, &res.CreatedAt); err != nil {
			return nil, err
		}
		if detail.Valid && detail.String != "" {
			_ = json.Unmarshal([]byte(detail.String), &res.Offenders)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}
