package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"planlock/internal/domain"
)

func (r Repo) InsertRepairEventTx(ctx context.Context, tx *sql.Tx, ev domain.RepairEvent) error {
	affected, err := json.Marshal(ev.AffectedIDs)
	if err != nil {
		return fmt.Errorf("marshal affected ids: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO repair_events(id,plan_id,tenant_id,site_id,event_type,affected_json,initiated_by,initiated_at,result_plan_id,status) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.PlanID, ev.TenantID, ev.SiteID, ev.EventType, string(affected), ev.InitiatedBy, ev.InitiatedAt, nullablePtr(ev.ResultPlanID), ev.Status)
	return err
}

func (r Repo) GetRepairEvent(ctx context.Context, id string) (domain.RepairEvent, error) {
	var ev domain.RepairEvent
	var affected string
	var resultPlan sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,plan_id,tenant_id,site_id,event_type,affected_json,initiated_by,initiated_at,result_plan_id,status FROM repair_events WHERE id=?`, id).
		Scan(&ev.ID, &ev.PlanID, &ev.TenantID, &ev.SiteID, &ev.EventType, &affected, &ev.InitiatedBy, &ev.InitiatedAt, &resultPlan, &ev.Status)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	if err != nil {
		return ev, err
	}
	_ = json.Unmarshal([]byte(affected), &ev.AffectedIDs)
	if resultPlan.Valid {
		ev.ResultPlanID = &resultPlan.String
	}
	return ev, nil
}

func (r Repo) MarkRepairEventAppliedTx(ctx context.Context, tx *sql.Tx, id, resultPlanID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE repair_events SET status=?, result_plan_id=? WHERE id=? AND status=?`,
		domain.RepairEventApplied, resultPlanID, id, domain.RepairEventOpen)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- previews ---

func (r Repo) InsertRepairPreview(ctx context.Context, p domain.RepairPreview) error {
	diff, err := json.Marshal(p.Diff)
	if err != nil {
		return fmt.Errorf("marshal repair diff: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO repair_previews(id,repair_event_id,plan_id,diff_json,verdict,created_at,expires_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.RepairEventID, p.PlanID, string(diff), p.Verdict, p.CreatedAt, p.ExpiresAt)
	return err
}

func (r Repo) GetRepairPreview(ctx context.Context, id string) (domain.RepairPreview, error) {
	var p domain.RepairPreview
	var diff string
	err := r.DB.QueryRowContext(ctx, `SELECT id,repair_event_id,plan_id,diff_json,verdict,created_at,expires_at FROM repair_previews WHERE id=?`, id).
		Scan(&p.ID, &p.RepairEventID, &p.PlanID, &diff, &p.Verdict, &p.CreatedAt, &p.ExpiresAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(diff), &p.Diff); err != nil {
		return p, fmt.Errorf("unmarshal repair diff: %w", err)
	}
	return p, nil
}
