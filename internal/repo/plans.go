package repo

import (
	"context"
	"database/sql"

	"planlock/internal/domain"
)

func scanPlan(scan func(dest ...any) error) (domain.Plan, error) {
	var p domain.Plan
	var cfgHash, outHash, lockedAt, lockedBy, lockReason, parent sql.NullString
	err := scan(&p.ID, &p.ScenarioID, &p.TenantID, &p.SiteID, &p.Version, &p.Status, &p.Seed,
		&cfgHash, &outHash, &lockedAt, &lockedBy, &lockReason, &parent, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if cfgHash.Valid {
		p.SolverConfigHash = cfgHash.String
	}
	if outHash.Valid {
		p.OutputHash = outHash.String
	}
	if lockedAt.Valid {
		p.LockedAt = &lockedAt.String
	}
	if lockedBy.Valid {
		p.LockedBy = &lockedBy.String
	}
	if lockReason.Valid {
		p.LockReason = &lockReason.String
	}
	if parent.Valid {
		p.ParentPlanID = &parent.String
	}
	return p, nil
}

const planColumns = `id,scenario_id,tenant_id,site_id,version,status,seed,solver_config_hash,output_hash,locked_at,locked_by,lock_reason,parent_plan_id,created_at,updated_at`

func (r Repo) InsertPlanTx(ctx context.Context, tx *sql.Tx, p domain.Plan) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO plans(`+planColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ScenarioID, p.TenantID, p.SiteID, p.Version, p.Status, p.Seed,
		nullable(p.SolverConfigHash), nullable(p.OutputHash),
		nullablePtr(p.LockedAt), nullablePtr(p.LockedBy), nullablePtr(p.LockReason), nullablePtr(p.ParentPlanID),
		p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetPlan(ctx context.Context, id string) (domain.Plan, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id=?`, id)
	return scanPlan(row.Scan)
}

func (r Repo) GetPlanTx(ctx context.Context, tx *sql.Tx, id string) (domain.Plan, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id=?`, id)
	return scanPlan(row.Scan)
}

// LatestPlanVersion returns the highest version number solved for a
// scenario, 0 when none exists.
func (r Repo) LatestPlanVersion(ctx context.Context, scenarioID string) (int, error) {
	var v sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(version) FROM plans WHERE scenario_id=?`, scenarioID).Scan(&v)
	if err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}

func (r Repo) ListPlans(ctx context.Context, scenarioID string) ([]domain.Plan, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+planColumns+` FROM plans WHERE scenario_id=? ORDER BY version`, scenarioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Plan
	for rows.Next() {
		p, err := scanPlan(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r Repo) UpdatePlanTx(ctx context.Context, tx *sql.Tx, p domain.Plan) error {
	res, err := tx.ExecContext(ctx, `UPDATE plans SET status=?, seed=?, solver_config_hash=?, output_hash=?, locked_at=?, locked_by=?, lock_reason=?, updated_at=? WHERE id=?`,
		p.Status, p.Seed, nullable(p.SolverConfigHash), nullable(p.OutputHash),
		nullablePtr(p.LockedAt), nullablePtr(p.LockedBy), nullablePtr(p.LockReason), p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- assignments ---

func (r Repo) InsertAssignmentsTx(ctx context.Context, tx *sql.Tx, as []domain.Assignment) error {
	for _, a := range as {
		if _, err := tx.ExecContext(ctx, `INSERT INTO assignments(plan_id,stop_id,resource_id,site_id,start_at,end_at,load) VALUES (?,?,?,?,?,?,?)`,
			a.PlanID, a.StopID, a.ResourceID, a.SiteID, a.StartAt, a.EndAt, a.Load); err != nil {
			return err
		}
	}
	return nil
}

// DeleteAssignmentsTx clears a plan's assignments ahead of a re-solve.
func (r Repo) DeleteAssignmentsTx(ctx context.Context, tx *sql.Tx, planID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM assignments WHERE plan_id=?`, planID)
	return err
}

func (r Repo) ListAssignments(ctx context.Context, planID string) ([]domain.Assignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT plan_id,stop_id,resource_id,site_id,start_at,end_at,load FROM assignments WHERE plan_id=? ORDER BY stop_id`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Assignment
	for rows.Next() {
		var a domain.Assignment
		if err := rows.Scan(&a.PlanID, &a.StopID, &a.ResourceID, &a.SiteID, &a.StartAt, &a.EndAt, &a.Load); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- snapshots ---

func (r Repo) InsertSnapshotTx(ctx context.Context, tx *sql.Tx, s domain.Snapshot) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO snapshots(id,plan_id,tenant_id,site_id,version_number,freeze_until,payload_json,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.PlanID, s.TenantID, s.SiteID, s.VersionNumber, nullable(s.FreezeUntil), s.PayloadJSON, s.CreatedAt)
	return err
}

func (r Repo) ListSnapshots(ctx context.Context, planID string) ([]domain.Snapshot, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,plan_id,tenant_id,site_id,version_number,COALESCE(freeze_until,''),payload_json,created_at FROM snapshots WHERE plan_id=? ORDER BY version_number`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Snapshot
	for rows.Next() {
		var s domain.Snapshot
		if err := rows.Scan(&s.ID, &s.PlanID, &s.TenantID, &s.SiteID, &s.VersionNumber, &s.FreezeUntil, &s.PayloadJSON, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SnapshotCount returns how many snapshots exist for any plan of the
// scenario, used to derive the next published version number.
func (r Repo) SnapshotCount(ctx context.Context, scenarioID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots WHERE plan_id IN (SELECT id FROM plans WHERE scenario_id=?)`, scenarioID).Scan(&n)
	return n, err
}
