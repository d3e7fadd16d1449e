package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"planlock/internal/archive"
	"planlock/internal/canonical"
	"planlock/internal/config"
	"planlock/internal/domain"
	"planlock/internal/engine/solver"
	"planlock/internal/events"
	"planlock/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Solver   solver.Solver
	Notifier *events.Notifier
	Archiver archive.Archiver
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Solver: solver.Greedy{},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// tenantConfig resolves the policy config for a tenant, preferring the
// stored per-tenant config and falling back to defaults.
func (e Engine) tenantConfig(ctx context.Context, tenantID string) (*config.Config, error) {
	cfg, err := e.Repo.GetTenantConfig(ctx, tenantID)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		if e.Config != nil && e.Config.Tenant.ID == tenantID {
			return e.Config, nil
		}
		return config.Default(tenantID), nil
	}
	return nil, err
}

// ImportTenantConfig validates and stores a tenant's policy config.
func (e Engine) ImportTenantConfig(ctx context.Context, cfg *config.Config, actorID string) error {
	if err := cfg.Validate(); err != nil {
		return domain.EWrap(domain.CodeValidation, err, "tenant config rejected")
	}
	if err := e.Repo.UpsertTenantConfig(ctx, cfg.Tenant.ID, cfg); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "config.imported", cfg.Tenant.ID, "config", cfg.Tenant.ID, actorID, events.EventPayload{"vertical": cfg.Tenant.Vertical}); err != nil {
		return err
	}
	return tx.Commit()
}

// ScenarioCreateOptions are parameters for importing a scenario.
type ScenarioCreateOptions struct {
	ID        string
	TenantID  string
	SiteID    string
	Vertical  string
	PlanDate  string
	Stops     []domain.Stop
	Resources []domain.Resource
	ActorID   string
}

// CreateScenario imports a scenario with its stops and resources. Every
// stop and resource must carry the scenario's site id: cross-site demand
// or supply is rejected at the door, not discovered at audit time.
func (e Engine) CreateScenario(ctx context.Context, opts ScenarioCreateOptions) (domain.Scenario, error) {
	if opts.TenantID == "" || opts.SiteID == "" {
		return domain.Scenario{}, domain.E(domain.CodeValidation, "tenant_id and site_id are required")
	}
	if opts.Vertical != "route" && opts.Vertical != "roster" {
		return domain.Scenario{}, domain.E(domain.CodeValidation, "vertical must be 'route' or 'roster'")
	}
	if opts.PlanDate == "" {
		return domain.Scenario{}, domain.E(domain.CodeValidation, "plan_date is required")
	}
	if len(opts.Stops) == 0 {
		return domain.Scenario{}, domain.E(domain.CodeValidation, "at least one stop is required")
	}
	if len(opts.Resources) == 0 {
		return domain.Scenario{}, domain.E(domain.CodeValidation, "at least one resource is required")
	}
	for _, s := range opts.Stops {
		if s.SiteID != opts.SiteID {
			return domain.Scenario{}, domain.E(domain.CodeValidation, "stop %s has site %s, scenario site is %s", s.StopID, s.SiteID, opts.SiteID)
		}
		if s.DurationMin <= 0 {
			return domain.Scenario{}, domain.E(domain.CodeValidation, "stop %s must have a positive duration", s.StopID)
		}
	}
	for _, r := range opts.Resources {
		if r.SiteID != opts.SiteID {
			return domain.Scenario{}, domain.E(domain.CodeValidation, "resource %s has site %s, scenario site is %s", r.ResourceID, r.SiteID, opts.SiteID)
		}
	}

	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowStr()
	sc := domain.Scenario{
		ID:        id,
		TenantID:  opts.TenantID,
		SiteID:    opts.SiteID,
		Vertical:  opts.Vertical,
		PlanDate:  opts.PlanDate,
		Status:    domain.ScenarioOpen,
		CreatedAt: now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Scenario{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertScenarioTx(ctx, tx, sc); err != nil {
		return domain.Scenario{}, domain.EWrap(domain.CodeInternal, err, "insert scenario")
	}
	for _, s := range opts.Stops {
		s.ScenarioID = id
		if err := e.Repo.InsertStopTx(ctx, tx, s); err != nil {
			return domain.Scenario{}, domain.EWrap(domain.CodeInternal, err, "insert stop %s", s.StopID)
		}
	}
	for _, r := range opts.Resources {
		r.ScenarioID = id
		if err := e.Repo.InsertResourceTx(ctx, tx, r); err != nil {
			return domain.Scenario{}, domain.EWrap(domain.CodeInternal, err, "insert resource %s", r.ResourceID)
		}
	}
	if err := e.Events.Append(ctx, tx, "scenario.created", sc.TenantID, "scenario", sc.ID, opts.ActorID, events.EventPayload{
		"site_id": sc.SiteID, "vertical": sc.Vertical, "plan_date": sc.PlanDate,
		"stops": len(opts.Stops), "resources": len(opts.Resources),
	}); err != nil {
		return domain.Scenario{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Scenario{}, err
	}
	return sc, nil
}

// GetScenario loads a scenario and checks scope ownership.
func (e Engine) GetScenario(ctx context.Context, tenantID, id string) (domain.Scenario, error) {
	sc, err := e.Repo.GetScenario(ctx, id)
	if err != nil {
		return sc, err
	}
	if sc.TenantID != tenantID {
		return domain.Scenario{}, repo.ErrNotFound
	}
	return sc, nil
}

// GetPlanScoped loads a plan and checks scope ownership.
func (e Engine) GetPlanScoped(ctx context.Context, tenantID, id string) (domain.Plan, error) {
	p, err := e.Repo.GetPlan(ctx, id)
	if err != nil {
		return p, err
	}
	if p.TenantID != tenantID {
		return domain.Plan{}, repo.ErrNotFound
	}
	return p, nil
}

// snapshotOf assembles the frozen solver input for a scenario.
func (e Engine) snapshotOf(ctx context.Context, sc domain.Scenario) (solver.Snapshot, error) {
	stops, err := e.Repo.ListStops(ctx, sc.ID)
	if err != nil {
		return solver.Snapshot{}, err
	}
	resources, err := e.Repo.ListResources(ctx, sc.ID)
	if err != nil {
		return solver.Snapshot{}, err
	}
	return solver.Snapshot{Scenario: sc, Stops: stops, Resources: resources}, nil
}

// inputHash is the content hash of the normalized scenario inputs.
func inputHash(snap solver.Snapshot) (string, error) {
	return canonical.Hash(map[string]any{
		"scenario":  snap.Scenario,
		"stops":     snap.Stops,
		"resources": snap.Resources,
	})
}
