package engine

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"planlock/internal/domain"
	"planlock/internal/events"
)

// transitionPlanTx re-reads the plan inside the transaction, validates the
// status edge, and applies mutate before writing it back. Concurrent
// writers serialise on the row, so the edge check always sees the current
// status.
func (e Engine) transitionPlanTx(ctx context.Context, tx *sql.Tx, planID string, to domain.PlanStatus, mutate func(*domain.Plan)) (domain.Plan, error) {
	p, err := e.Repo.GetPlanTx(ctx, tx, planID)
	if err != nil {
		return p, err
	}
	if !domain.CanTransition(p.Status, to) {
		return p, domain.E(domain.CodeConflict, "plan %s cannot move %s -> %s", planID, p.Status, to)
	}
	p.Status = to
	p.UpdatedAt = e.nowStr()
	if mutate != nil {
		mutate(&p)
	}
	if err := e.Repo.UpdatePlanTx(ctx, tx, p); err != nil {
		return p, err
	}
	return p, nil
}

// AuditOutcome is the result of one audit run.
type AuditOutcome struct {
	RunID   string               `json:"run_id"`
	PlanID  string               `json:"plan_id"`
	Status  domain.PlanStatus    `json:"status"`
	Verdict domain.Verdict       `json:"verdict"`
	Results []domain.AuditResult `json:"results"`
}

// RunAudit executes the full check battery against a SOLVED plan and moves
// it to AUDIT_PASS, AUDIT_WARN or AUDIT_FAIL. Result rows are append-only;
// re-running from AUDIT_FAIL goes back through SOLVING, not here.
func (e Engine) RunAudit(ctx context.Context, tenantID, planID, actorID string) (AuditOutcome, error) {
	p, err := e.GetPlanScoped(ctx, tenantID, planID)
	if err != nil {
		return AuditOutcome{}, err
	}
	if p.Status != domain.StatusSolved {
		return AuditOutcome{}, domain.E(domain.CodeConflict, "plan %s is %s, audit requires SOLVED", planID, p.Status)
	}
	results, outcome, err := e.auditPlan(ctx, p)
	if err != nil {
		return AuditOutcome{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return AuditOutcome{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertAuditResultsTx(ctx, tx, results); err != nil {
		return AuditOutcome{}, domain.EWrap(domain.CodeInternal, err, "persist audit results")
	}
	next := statusForVerdict(outcome)
	if _, err := e.transitionPlanTx(ctx, tx, planID, next, nil); err != nil {
		return AuditOutcome{}, err
	}
	if err := e.Events.Append(ctx, tx, "plan.audited", tenantID, "plan", planID, actorID, events.EventPayload{
		"run_id": results[0].RunID, "verdict": string(outcome), "status": string(next),
	}); err != nil {
		return AuditOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return AuditOutcome{}, err
	}
	return AuditOutcome{RunID: results[0].RunID, PlanID: planID, Status: next, Verdict: outcome, Results: results}, nil
}

// auditPlan runs the pure check battery over the plan's frozen inputs and
// current assignments and stamps the persistence fields.
func (e Engine) auditPlan(ctx context.Context, p domain.Plan) ([]domain.AuditResult, domain.Verdict, error) {
	sc, err := e.Repo.GetScenario(ctx, p.ScenarioID)
	if err != nil {
		return nil, "", err
	}
	snap, err := e.snapshotOf(ctx, sc)
	if err != nil {
		return nil, "", err
	}
	assignments, err := e.Repo.ListAssignments(ctx, p.ID)
	if err != nil {
		return nil, "", err
	}
	frozen, err := e.frozenStopsForLineage(ctx, p)
	if err != nil {
		return nil, "", err
	}
	cfg, err := e.tenantConfig(ctx, p.TenantID)
	if err != nil {
		return nil, "", err
	}

	checks := Audit(AuditInput{Snapshot: snap, Assignments: assignments, FrozenStops: frozen, Config: cfg})
	verdict := AuditVerdict(checks)

	runID := uuid.New().String()
	now := e.nowStr()
	results := make([]domain.AuditResult, 0, len(checks))
	for _, c := range checks {
		results = append(results, domain.AuditResult{
			ID:             uuid.New().String(),
			PlanID:         p.ID,
			RunID:          runID,
			CheckName:      c.CheckName,
			Status:         c.Status,
			ViolationCount: c.ViolationCount,
			Offenders:      c.Offenders,
			AsOf:           now,
			CreatedAt:      now,
		})
	}
	return results, verdict, nil
}

// frozenStopsForLineage collects active freeze marks visible to a plan:
// its own plus, for a repair child still under audit, its parent's. Marks
// carry forward through repair so a pinned stop stays pinned in the child.
func (e Engine) frozenStopsForLineage(ctx context.Context, p domain.Plan) (map[string]bool, error) {
	frozen, err := e.Repo.ActiveFreezeSet(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if p.ParentPlanID != nil {
		parentFrozen, err := e.Repo.ActiveFreezeSet(ctx, *p.ParentPlanID)
		if err != nil {
			return nil, err
		}
		for stopID := range parentFrozen {
			frozen[stopID] = true
		}
	}
	return frozen, nil
}

// LockOptions are parameters for locking a plan.
type LockOptions struct {
	TenantID string
	PlanID   string
	ActorID  string
	Override bool
	Reason   string
}

// Lock promotes an audited plan to LOCKED (or RE_LOCKED after a re-audit)
// and seals its evidence record. AUDIT_WARN requires an explicit override
// with a substantive reason; AUDIT_FAIL can never be locked.
func (e Engine) Lock(ctx context.Context, opts LockOptions) (domain.Plan, error) {
	p, err := e.GetPlanScoped(ctx, opts.TenantID, opts.PlanID)
	if err != nil {
		return p, err
	}
	target := domain.StatusLocked
	if p.Status == domain.StatusReAudit {
		target = domain.StatusReLocked
	} else if !domain.Lockable(p.Status) {
		return p, domain.E(domain.CodeBlockedByPolicy, "plan %s is %s and cannot be locked", opts.PlanID, p.Status)
	}
	if domain.RequiresLockOverride(p.Status) {
		cfg, err := e.tenantConfig(ctx, opts.TenantID)
		if err != nil {
			return p, err
		}
		if !opts.Override {
			return p, domain.E(domain.CodeBlockedByPolicy, "plan %s has audit warnings; locking requires an override", opts.PlanID)
		}
		if len(strings.TrimSpace(opts.Reason)) < cfg.Repair.OverrideMinReasonLen {
			return p, domain.E(domain.CodeValidation, "override reason must be at least %d characters", cfg.Repair.OverrideMinReasonLen)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	locked, err := e.transitionPlanTx(ctx, tx, opts.PlanID, target, func(pl *domain.Plan) {
		pl.LockedAt = &now
		pl.LockedBy = &opts.ActorID
		if opts.Override {
			pl.LockReason = &opts.Reason
		}
	})
	if err != nil {
		return p, err
	}
	ev, err := e.buildEvidenceTx(ctx, tx, locked)
	if err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, "plan.locked", opts.TenantID, "plan", opts.PlanID, opts.ActorID, events.EventPayload{
		"status": string(target), "override": opts.Override, "evidence_hash": ev.EvidenceHash,
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	e.notify(ctx, "plan.locked", locked)
	return locked, nil
}

// FreezeOptions are parameters for pinning or releasing assignments.
type FreezeOptions struct {
	TenantID string
	PlanID   string
	StopIDs  []string
	ActorID  string
	Admin    bool
	Reason   string
}

// FreezeAssignments pins the named assignments of a locked plan. Marks are
// additive; pinning an already-pinned stop is a no-op.
func (e Engine) FreezeAssignments(ctx context.Context, opts FreezeOptions) error {
	p, err := e.GetPlanScoped(ctx, opts.TenantID, opts.PlanID)
	if err != nil {
		return err
	}
	if !domain.Repairable(p.Status) {
		return domain.E(domain.CodeConflict, "plan %s is %s; freezing requires a locked plan", opts.PlanID, p.Status)
	}
	if len(opts.StopIDs) == 0 {
		return domain.E(domain.CodeValidation, "at least one stop_id is required")
	}
	if strings.TrimSpace(opts.Reason) == "" {
		return domain.E(domain.CodeValidation, "a freeze reason is required")
	}
	assigned, err := e.Repo.ListAssignments(ctx, opts.PlanID)
	if err != nil {
		return err
	}
	present := map[string]bool{}
	for _, a := range assigned {
		present[a.StopID] = true
	}
	for _, stopID := range opts.StopIDs {
		if !present[stopID] {
			return domain.E(domain.CodeValidation, "stop %s has no assignment in plan %s", stopID, opts.PlanID)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.nowStr()
	for _, stopID := range opts.StopIDs {
		if err := e.Repo.UpsertFreezeMarkTx(ctx, tx, domain.FreezeMark{
			PlanID:    opts.PlanID,
			StopID:    stopID,
			Reason:    opts.Reason,
			CreatedBy: opts.ActorID,
			CreatedAt: now,
		}); err != nil {
			return domain.EWrap(domain.CodeInternal, err, "freeze stop %s", stopID)
		}
	}
	if err := e.Events.Append(ctx, tx, "plan.frozen", opts.TenantID, "plan", opts.PlanID, opts.ActorID, events.EventPayload{
		"stop_ids": opts.StopIDs, "reason": opts.Reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// UnfreezeAssignments clears freeze marks. Privileged: only an admin actor
// may release a pin, the reason must be substantive, and the cleared row
// stays in the trail. An advisory audit run is recorded afterwards so the
// trail shows what the plan looked like without the pins.
func (e Engine) UnfreezeAssignments(ctx context.Context, opts FreezeOptions) error {
	if !opts.Admin {
		return domain.E(domain.CodeForbidden, "unfreeze requires an admin actor")
	}
	cfg, err := e.tenantConfig(ctx, opts.TenantID)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(opts.Reason)) < cfg.Repair.OverrideMinReasonLen {
		return domain.E(domain.CodeValidation, "unfreeze reason must be at least %d characters", cfg.Repair.OverrideMinReasonLen)
	}
	p, err := e.GetPlanScoped(ctx, opts.TenantID, opts.PlanID)
	if err != nil {
		return err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.nowStr()
	for _, stopID := range opts.StopIDs {
		if err := e.Repo.ClearFreezeMarkTx(ctx, tx, opts.PlanID, stopID, opts.ActorID, opts.Reason, now); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, "plan.unfrozen", opts.TenantID, "plan", opts.PlanID, opts.ActorID, events.EventPayload{
		"stop_ids": opts.StopIDs, "reason": opts.Reason,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	// Advisory re-audit: results are recorded without a status change so
	// the trail shows the plan's health after the pins came off.
	results, _, err := e.auditPlan(ctx, p)
	if err != nil {
		return err
	}
	tx, err = e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAuditResultsTx(ctx, tx, results); err != nil {
		return err
	}
	return tx.Commit()
}

// FreezeBadge derives the freeze coverage of a plan from its active marks.
// Freezing is not a lifecycle state: a fully pinned plan still reports its
// real status alongside the badge.
func (e Engine) FreezeBadge(ctx context.Context, planID string) (domain.FreezeBadge, error) {
	frozen, err := e.Repo.ActiveFreezeSet(ctx, planID)
	if err != nil {
		return domain.FreezeNone, err
	}
	if len(frozen) == 0 {
		return domain.FreezeNone, nil
	}
	assignments, err := e.Repo.ListAssignments(ctx, planID)
	if err != nil {
		return domain.FreezeNone, err
	}
	for _, a := range assignments {
		if !frozen[a.StopID] {
			return domain.FreezePartial, nil
		}
	}
	return domain.FreezeFull, nil
}

// Publish produces an immutable snapshot of a locked plan and notifies
// downstream consumers. Snapshots version independently of the plan chain.
func (e Engine) Publish(ctx context.Context, tenantID, planID, actorID, freezeUntil string) (domain.Snapshot, error) {
	p, err := e.GetPlanScoped(ctx, tenantID, planID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if !domain.Repairable(p.Status) {
		return domain.Snapshot{}, domain.E(domain.CodeConflict, "plan %s is %s; publishing requires a locked plan", planID, p.Status)
	}
	payload, err := e.exportBundle(ctx, p)
	if err != nil {
		return domain.Snapshot{}, err
	}
	count, err := e.Repo.SnapshotCount(ctx, p.ScenarioID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	snap := domain.Snapshot{
		ID:            uuid.New().String(),
		PlanID:        planID,
		TenantID:      tenantID,
		SiteID:        p.SiteID,
		VersionNumber: count + 1,
		FreezeUntil:   freezeUntil,
		PayloadJSON:   string(payload),
		CreatedAt:     e.nowStr(),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Snapshot{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSnapshotTx(ctx, tx, snap); err != nil {
		return domain.Snapshot{}, domain.EWrap(domain.CodeInternal, err, "insert snapshot")
	}
	if err := e.Events.Append(ctx, tx, "plan.published", tenantID, "plan", planID, actorID, events.EventPayload{
		"snapshot_id": snap.ID, "version_number": snap.VersionNumber,
	}); err != nil {
		return domain.Snapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Snapshot{}, err
	}
	e.notify(ctx, "plan.published", p)
	return snap, nil
}

// Supersede retires a plan that still has a live retirement edge.
func (e Engine) Supersede(ctx context.Context, tenantID, planID, actorID string) (domain.Plan, error) {
	if _, err := e.GetPlanScoped(ctx, tenantID, planID); err != nil {
		return domain.Plan{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Plan{}, err
	}
	defer tx.Rollback()
	p, err := e.transitionPlanTx(ctx, tx, planID, domain.StatusSuperseded, nil)
	if err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, "plan.superseded", tenantID, "plan", planID, actorID, nil); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return p, nil
}

// notify publishes a change notification; best-effort, a nil notifier or a
// broker outage never fails the transaction that already committed.
func (e Engine) notify(ctx context.Context, kind string, p domain.Plan) {
	if e.Notifier == nil {
		return
	}
	_ = e.Notifier.Publish(ctx, events.Notification{
		Type:     kind,
		TenantID: p.TenantID,
		SiteID:   p.SiteID,
		PlanID:   p.ID,
		Payload:  map[string]any{"status": string(p.Status), "version": p.Version},
		TS:       e.now().UTC(),
	})
}
