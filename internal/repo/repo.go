package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"planlock/internal/config"
	"planlock/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func marshalStrings(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalStrings(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(raw.String), &out)
	return out
}

// --- scenarios ---

func (r Repo) InsertScenarioTx(ctx context.Context, tx *sql.Tx, s domain.Scenario) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO scenarios(id,tenant_id,site_id,vertical,plan_date,input_hash,status,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.TenantID, s.SiteID, s.Vertical, s.PlanDate, nullable(s.InputHash), s.Status, s.CreatedAt)
	return err
}

func (r Repo) GetScenario(ctx context.Context, id string) (domain.Scenario, error) {
	var s domain.Scenario
	var inputHash sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,tenant_id,site_id,vertical,plan_date,input_hash,status,created_at FROM scenarios WHERE id=?`, id).
		Scan(&s.ID, &s.TenantID, &s.SiteID, &s.Vertical, &s.PlanDate, &inputHash, &s.Status, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if inputHash.Valid {
		s.InputHash = inputHash.String
	}
	return s, err
}

func (r Repo) ListScenarios(ctx context.Context, tenantID, siteID string) ([]domain.Scenario, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,tenant_id,site_id,vertical,plan_date,COALESCE(input_hash,''),status,created_at FROM scenarios WHERE tenant_id=? AND site_id=? ORDER BY created_at DESC`, tenantID, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Scenario
	for rows.Next() {
		var s domain.Scenario
		if err := rows.Scan(&s.ID, &s.TenantID, &s.SiteID, &s.Vertical, &s.PlanDate, &s.InputHash, &s.Status, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r Repo) SetScenarioStatusTx(ctx context.Context, tx *sql.Tx, id, status, inputHash string) error {
	res, err := tx.ExecContext(ctx, `UPDATE scenarios SET status=?, input_hash=COALESCE(?,input_hash) WHERE id=?`, status, nullable(inputHash), id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertStopTx(ctx context.Context, tx *sql.Tx, s domain.Stop) error {
	skills, err := marshalStrings(s.RequiredSkills)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO scenario_stops(scenario_id,stop_id,site_id,earliest,latest,duration_min,required_skills_json,demand) VALUES (?,?,?,?,?,?,?,?)`,
		s.ScenarioID, s.StopID, s.SiteID, s.Earliest, s.Latest, s.DurationMin, skills, s.Demand)
	return err
}

func (r Repo) ListStops(ctx context.Context, scenarioID string) ([]domain.Stop, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT scenario_id,stop_id,site_id,earliest,latest,duration_min,required_skills_json,demand FROM scenario_stops WHERE scenario_id=? ORDER BY stop_id`, scenarioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Stop
	for rows.Next() {
		var s domain.Stop
		var skills sql.NullString
		if err := rows.Scan(&s.ScenarioID, &s.StopID, &s.SiteID, &s.Earliest, &s.Latest, &s.DurationMin, &skills, &s.Demand); err != nil {
			return nil, err
		}
		s.RequiredSkills = unmarshalStrings(skills)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r Repo) InsertResourceTx(ctx context.Context, tx *sql.Tx, res domain.Resource) error {
	skills, err := marshalStrings(res.Skills)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO scenario_resources(scenario_id,resource_id,site_id,skills_json,capacity,shift_start,shift_end) VALUES (?,?,?,?,?,?,?)`,
		res.ScenarioID, res.ResourceID, res.SiteID, skills, res.Capacity, res.ShiftStart, res.ShiftEnd)
	return err
}

func (r Repo) ListResources(ctx context.Context, scenarioID string) ([]domain.Resource, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT scenario_id,resource_id,site_id,skills_json,capacity,shift_start,shift_end FROM scenario_resources WHERE scenario_id=? ORDER BY resource_id`, scenarioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Resource
	for rows.Next() {
		var res domain.Resource
		var skills sql.NullString
		if err := rows.Scan(&res.ScenarioID, &res.ResourceID, &res.SiteID, &skills, &res.Capacity, &res.ShiftStart, &res.ShiftEnd); err != nil {
			return nil, err
		}
		res.Skills = unmarshalStrings(skills)
		out = append(out, res)
	}
	return out, rows.Err()
}

// --- tenant configs ---

func (r Repo) GetTenantConfig(ctx context.Context, tenantID string) (*config.Config, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM tenant_configs WHERE tenant_id=?`, tenantID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(raw))
}

func (r Repo) UpsertTenantConfig(ctx context.Context, tenantID string, cfg *config.Config) error {
	raw, err := cfg.ToYAML()
	if err != nil {
		return fmt.Errorf("serialize tenant config: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO tenant_configs(tenant_id,config_yaml,updated_at) VALUES (?,?,?)
		ON CONFLICT(tenant_id) DO UPDATE SET config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`,
		tenantID, string(raw), now)
	return err
}

// --- event log ---

func (r Repo) ListEvents(ctx context.Context, tenantID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(tenant_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE (?='' OR tenant_id=?) ORDER BY id DESC LIMIT ?`, tenantID, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.TenantID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
