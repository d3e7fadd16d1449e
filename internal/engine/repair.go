package engine

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"planlock/internal/canonical"
	"planlock/internal/config"
	"planlock/internal/domain"
	"planlock/internal/engine/solver"
	"planlock/internal/events"
)

// RepairEventOptions are parameters for recording a disruption.
type RepairEventOptions struct {
	TenantID    string
	SiteID      string
	PlanID      string
	EventType   domain.RepairEventType
	AffectedIDs []string
	ActorID     string
}

// CreateRepairEvent records a disruption against a locked plan. The event
// itself changes nothing; preview and apply do.
func (e Engine) CreateRepairEvent(ctx context.Context, opts RepairEventOptions) (domain.RepairEvent, error) {
	if !domain.ValidRepairEventType(opts.EventType) {
		return domain.RepairEvent{}, domain.E(domain.CodeValidation, "unknown repair event type %q", opts.EventType)
	}
	if len(opts.AffectedIDs) == 0 {
		return domain.RepairEvent{}, domain.E(domain.CodeValidation, "affected_ids must not be empty")
	}
	p, err := e.GetPlanScoped(ctx, opts.TenantID, opts.PlanID)
	if err != nil {
		return domain.RepairEvent{}, err
	}
	if !domain.Repairable(p.Status) {
		return domain.RepairEvent{}, domain.E(domain.CodeConflict, "plan %s is %s; repairs require a locked plan", opts.PlanID, p.Status)
	}
	if opts.SiteID != "" && opts.SiteID != p.SiteID {
		return domain.RepairEvent{}, domain.E(domain.CodeValidation, "plan %s belongs to site %s, not %s", opts.PlanID, p.SiteID, opts.SiteID)
	}
	ev := domain.RepairEvent{
		ID:          uuid.New().String(),
		PlanID:      opts.PlanID,
		TenantID:    opts.TenantID,
		SiteID:      p.SiteID,
		EventType:   opts.EventType,
		AffectedIDs: opts.AffectedIDs,
		InitiatedBy: opts.ActorID,
		InitiatedAt: e.nowStr(),
		Status:      domain.RepairEventOpen,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RepairEvent{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRepairEventTx(ctx, tx, ev); err != nil {
		return domain.RepairEvent{}, domain.EWrap(domain.CodeInternal, err, "insert repair event")
	}
	if err := e.Events.Append(ctx, tx, "repair.recorded", opts.TenantID, "repair_event", ev.ID, opts.ActorID, events.EventPayload{
		"plan_id": opts.PlanID, "event_type": string(opts.EventType), "affected": len(opts.AffectedIDs),
	}); err != nil {
		return domain.RepairEvent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RepairEvent{}, err
	}
	return ev, nil
}

// PreviewRepair computes the repair diff for an open event and stores it
// as a bounded preview session. The computation is pure over current
// state; nothing about the plan changes.
func (e Engine) PreviewRepair(ctx context.Context, tenantID, repairEventID, actorID string) (domain.RepairPreview, error) {
	ev, err := e.Repo.GetRepairEvent(ctx, repairEventID)
	if err != nil {
		return domain.RepairPreview{}, err
	}
	if ev.TenantID != tenantID {
		return domain.RepairPreview{}, domain.E(domain.CodeNotFound, "repair event %s not found", repairEventID)
	}
	if ev.Status != domain.RepairEventOpen {
		return domain.RepairPreview{}, domain.E(domain.CodeConflict, "repair event %s was already applied", repairEventID)
	}
	p, err := e.GetPlanScoped(ctx, tenantID, ev.PlanID)
	if err != nil {
		return domain.RepairPreview{}, err
	}
	if !domain.Repairable(p.Status) {
		return domain.RepairPreview{}, domain.E(domain.CodeConflict, "plan %s is %s; preview requires a locked plan", p.ID, p.Status)
	}
	cfg, err := e.tenantConfig(ctx, tenantID)
	if err != nil {
		return domain.RepairPreview{}, err
	}
	diff, err := e.computeRepairDiff(ctx, p, ev)
	if err != nil {
		return domain.RepairPreview{}, err
	}

	now := e.now()
	preview := domain.RepairPreview{
		ID:            uuid.New().String(),
		RepairEventID: repairEventID,
		PlanID:        p.ID,
		Diff:          diff,
		Verdict:       diff.Verdict,
		CreatedAt:     now.UTC().Format(time.RFC3339),
		ExpiresAt:     now.UTC().Add(cfg.PreviewTTL()).Format(time.RFC3339),
	}
	if err := e.Repo.InsertRepairPreview(ctx, preview); err != nil {
		return domain.RepairPreview{}, domain.EWrap(domain.CodeInternal, err, "store repair preview")
	}
	return preview, nil
}

// computeRepairDiff replans the disrupted portion of a locked plan.
// Frozen assignments are removed from the working set before planning, so
// they can never appear in the diff; a frozen assignment that the
// disruption makes untenable surfaces as a freeze violation instead.
func (e Engine) computeRepairDiff(ctx context.Context, p domain.Plan, ev domain.RepairEvent) (domain.RepairDiff, error) {
	sc, err := e.Repo.GetScenario(ctx, p.ScenarioID)
	if err != nil {
		return domain.RepairDiff{}, err
	}
	snap, err := e.snapshotOf(ctx, sc)
	if err != nil {
		return domain.RepairDiff{}, err
	}
	baseAssignments, err := e.Repo.ListAssignments(ctx, p.ID)
	if err != nil {
		return domain.RepairDiff{}, err
	}
	frozen, err := e.Repo.ActiveFreezeSet(ctx, p.ID)
	if err != nil {
		return domain.RepairDiff{}, err
	}
	cfg, err := e.tenantConfig(ctx, p.TenantID)
	if err != nil {
		return domain.RepairDiff{}, err
	}

	downResources, displacedStops := classifyAffected(snap, ev)

	stopsByID := map[string]domain.Stop{}
	for _, s := range snap.Stops {
		stopsByID[s.StopID] = s
	}

	var diff domain.RepairDiff
	diff.Removed = []domain.Assignment{}
	diff.Added = []domain.Assignment{}
	diff.Modified = []domain.Assignment{}

	// Partition the base: frozen assignments are pinned, impacted ones go
	// back to the pool, the rest are kept untouched.
	var kept, impacted []domain.Assignment
	covered := map[string]bool{}
	for _, a := range baseAssignments {
		covered[a.StopID] = true
		switch {
		case frozen[a.StopID]:
			if downResources[a.ResourceID] {
				diff.Violations = append(diff.Violations, domain.RepairViolation{
					Kind:     "freeze",
					Severity: "BLOCK",
					Entities: []string{a.StopID, a.ResourceID},
					Detail:   "frozen assignment sits on an unavailable resource",
				})
			}
			kept = append(kept, a)
		case downResources[a.ResourceID] || displacedStops[a.StopID]:
			impacted = append(impacted, a)
		default:
			kept = append(kept, a)
		}
	}

	// Replacement candidates: impacted stops plus anything the base never
	// covered. A repair is also a chance to close old coverage gaps.
	var pool []domain.Stop
	for _, a := range impacted {
		if s, ok := stopsByID[a.StopID]; ok {
			pool = append(pool, s)
		}
	}
	uncoveredBefore := 0
	for _, s := range snap.Stops {
		if !covered[s.StopID] {
			uncoveredBefore++
			pool = append(pool, s)
		}
	}

	placements := replanPool(snap, pool, kept, downResources)

	oldByStop := map[string]domain.Assignment{}
	for _, a := range impacted {
		oldByStop[a.StopID] = a
	}
	proposed := append([]domain.Assignment{}, kept...)
	placedStops := map[string]bool{}
	churnResources := map[string]bool{}
	for _, pl := range placements {
		pl.PlanID = p.ID
		placedStops[pl.StopID] = true
		proposed = append(proposed, pl)
		if old, wasAssigned := oldByStop[pl.StopID]; wasAssigned {
			diff.Modified = append(diff.Modified, pl)
			churnResources[old.ResourceID] = true
			churnResources[pl.ResourceID] = true
		} else {
			diff.Added = append(diff.Added, pl)
			churnResources[pl.ResourceID] = true
		}
	}
	for _, a := range impacted {
		if !placedStops[a.StopID] {
			diff.Removed = append(diff.Removed, a)
			churnResources[a.ResourceID] = true
		}
	}

	uncoveredAfter := 0
	nowCovered := map[string]bool{}
	for _, a := range proposed {
		nowCovered[a.StopID] = true
	}
	for _, s := range snap.Stops {
		if !nowCovered[s.StopID] {
			uncoveredAfter++
		}
	}

	diff.Summary = domain.RepairSummary{
		UncoveredBefore:      uncoveredBefore,
		UncoveredAfter:       uncoveredAfter,
		ChurnDriverCount:     len(churnResources),
		ChurnAssignmentCount: len(diff.Removed) + len(diff.Modified),
	}

	diff.Violations = append(diff.Violations, proposalViolations(snap, proposed, cfg)...)
	if cfg.Repair.ChurnWarnAbove > 0 && diff.Summary.ChurnAssignmentCount > cfg.Repair.ChurnWarnAbove {
		diff.Violations = append(diff.Violations, domain.RepairViolation{
			Kind:     "churn",
			Severity: "WARN",
			Detail:   "repair reshuffles more assignments than the configured comfort bound",
		})
	}

	diff.Verdict = repairVerdict(diff)
	return diff, nil
}

// classifyAffected maps the event's affected ids onto the snapshot:
// matching resource ids become unavailable, matching stop ids are
// displaced. MANUAL events may mix both.
func classifyAffected(snap solver.Snapshot, ev domain.RepairEvent) (downResources, displacedStops map[string]bool) {
	downResources = map[string]bool{}
	displacedStops = map[string]bool{}
	resourceIDs := map[string]bool{}
	for _, r := range snap.Resources {
		resourceIDs[r.ResourceID] = true
	}
	stopIDs := map[string]bool{}
	for _, s := range snap.Stops {
		stopIDs[s.StopID] = true
	}
	for _, id := range ev.AffectedIDs {
		switch ev.EventType {
		case domain.RepairNoShow, domain.RepairVehicleDown:
			if resourceIDs[id] {
				downResources[id] = true
			}
		case domain.RepairDelay:
			if stopIDs[id] {
				displacedStops[id] = true
			}
		case domain.RepairManual:
			if resourceIDs[id] {
				downResources[id] = true
			}
			if stopIDs[id] {
				displacedStops[id] = true
			}
		}
	}
	return downResources, displacedStops
}

// replanPool places displaced and uncovered stops onto the remaining
// capacity. Deterministic: stops in (earliest, id) order, resources in id
// order, earliest feasible slot wins.
func replanPool(snap solver.Snapshot, pool []domain.Stop, kept []domain.Assignment, down map[string]bool) []domain.Assignment {
	sort.Slice(pool, func(i, j int) bool {
		if pool[i].Earliest != pool[j].Earliest {
			return pool[i].Earliest < pool[j].Earliest
		}
		return pool[i].StopID < pool[j].StopID
	})
	resources := make([]domain.Resource, 0, len(snap.Resources))
	for _, r := range snap.Resources {
		if !down[r.ResourceID] {
			resources = append(resources, r)
		}
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i].ResourceID < resources[j].ResourceID })

	type iv struct{ start, end time.Time }
	busy := map[string][]iv{}
	load := map[string]int{}
	for _, a := range kept {
		s, err1 := time.Parse(time.RFC3339, a.StartAt)
		e, err2 := time.Parse(time.RFC3339, a.EndAt)
		if err1 == nil && err2 == nil {
			busy[a.ResourceID] = append(busy[a.ResourceID], iv{s, e})
		}
		load[a.ResourceID] += a.Load
	}

	fits := func(resID string, start, end time.Time) bool {
		for _, b := range busy[resID] {
			if start.Before(b.end) && b.start.Before(end) {
				return false
			}
		}
		return true
	}

	var out []domain.Assignment
	for _, stop := range pool {
		earliest, err1 := time.Parse(time.RFC3339, stop.Earliest)
		latest, err2 := time.Parse(time.RFC3339, stop.Latest)
		if err1 != nil || err2 != nil {
			continue
		}
		dur := time.Duration(stop.DurationMin) * time.Minute
		for _, res := range resources {
			if res.SiteID != stop.SiteID || !solver.HasSkills(res.Skills, stop.RequiredSkills) {
				continue
			}
			if load[res.ResourceID]+stop.Demand > res.Capacity {
				continue
			}
			shiftStart, err3 := time.Parse(time.RFC3339, res.ShiftStart)
			shiftEnd, err4 := time.Parse(time.RFC3339, res.ShiftEnd)
			if err3 != nil || err4 != nil {
				continue
			}
			start := earliest
			if shiftStart.After(start) {
				start = shiftStart
			}
			placedHere := false
			// Walk candidate starts: window start, then the end of each
			// blocking interval.
			candidates := []time.Time{start}
			for _, b := range busy[res.ResourceID] {
				if b.end.After(start) {
					candidates = append(candidates, b.end)
				}
			}
			sort.Slice(candidates, func(i, j int) bool { return candidates[i].Before(candidates[j]) })
			for _, cand := range candidates {
				end := cand.Add(dur)
				if cand.After(latest) || end.After(shiftEnd) {
					break
				}
				if fits(res.ResourceID, cand, end) {
					busy[res.ResourceID] = append(busy[res.ResourceID], iv{cand, end})
					load[res.ResourceID] += stop.Demand
					out = append(out, domain.Assignment{
						StopID:     stop.StopID,
						ResourceID: res.ResourceID,
						SiteID:     stop.SiteID,
						StartAt:    cand.UTC().Format(time.RFC3339),
						EndAt:      end.UTC().Format(time.RFC3339),
						Load:       stop.Demand,
					})
					placedHere = true
					break
				}
			}
			if placedHere {
				break
			}
		}
	}
	return out
}

// proposalViolations runs the overlap and rest checks against a proposed
// assignment set and reports findings as repair violations.
func proposalViolations(snap solver.Snapshot, proposed []domain.Assignment, cfg *config.Config) []domain.RepairViolation {
	in := AuditInput{Snapshot: snap, Assignments: proposed, Config: cfg}
	var out []domain.RepairViolation
	if res := checkOverlap(in); res.Status == domain.CheckFail {
		out = append(out, domain.RepairViolation{
			Kind:     "overlap",
			Severity: "BLOCK",
			Entities: res.Offenders,
			Detail:   "proposed assignments overlap on a resource",
		})
	}
	if res := checkRest(in); res.Status != domain.CheckPass {
		severity := "WARN"
		if res.Status == domain.CheckFail {
			severity = "BLOCK"
		}
		out = append(out, domain.RepairViolation{
			Kind:     "rest",
			Severity: severity,
			Entities: res.Offenders,
			Detail:   "rest between consecutive assignments falls below policy",
		})
	}
	return out
}

// ApplyOutcome is the result of applying a repair preview.
type ApplyOutcome struct {
	BasePlanID   string            `json:"base_plan_id"`
	ResultPlanID string            `json:"result_plan_id"`
	Version      int               `json:"version"`
	Status       domain.PlanStatus `json:"status"`
	ReAudit      AuditOutcome      `json:"re_audit"`
}

// ApplyRepairOptions are parameters for applying a preview.
type ApplyRepairOptions struct {
	TenantID  string
	PreviewID string
	ActorID   string
	Override  bool
	Reason    string
}

// ApplyRepair turns a previewed diff into a new plan version. The preview
// must be unexpired; a BLOCK verdict applies only with a reasoned
// override. The child is built under the scope gate, re-audited, and only
// on a clean re-audit does the base move to SUPERSEDED; a failed re-audit
// leaves the base locked and current.
func (e Engine) ApplyRepair(ctx context.Context, opts ApplyRepairOptions) (ApplyOutcome, error) {
	tenantID, previewID, actorID := opts.TenantID, opts.PreviewID, opts.ActorID
	preview, err := e.Repo.GetRepairPreview(ctx, previewID)
	if err != nil {
		return ApplyOutcome{}, err
	}
	ev, err := e.Repo.GetRepairEvent(ctx, preview.RepairEventID)
	if err != nil {
		return ApplyOutcome{}, err
	}
	if ev.TenantID != tenantID {
		return ApplyOutcome{}, domain.E(domain.CodeNotFound, "repair preview %s not found", previewID)
	}
	if ev.Status != domain.RepairEventOpen {
		return ApplyOutcome{}, domain.E(domain.CodeConflict, "repair event %s was already applied", ev.ID)
	}
	expiresAt, err := time.Parse(time.RFC3339, preview.ExpiresAt)
	if err != nil || !e.now().Before(expiresAt) {
		return ApplyOutcome{}, domain.E(domain.CodeExpired, "repair preview %s has expired; preview again", previewID)
	}
	base, err := e.GetPlanScoped(ctx, tenantID, preview.PlanID)
	if err != nil {
		return ApplyOutcome{}, err
	}
	if !domain.Repairable(base.Status) {
		return ApplyOutcome{}, domain.E(domain.CodeConflict, "plan %s is %s; apply requires a locked plan", base.ID, base.Status)
	}
	cfg, err := e.tenantConfig(ctx, tenantID)
	if err != nil {
		return ApplyOutcome{}, err
	}
	if preview.Verdict == domain.VerdictBlock {
		if !opts.Override {
			return ApplyOutcome{}, domain.E(domain.CodeBlockedByPolicy, "repair preview %s is blocked; applying requires an override", previewID)
		}
		if len(strings.TrimSpace(opts.Reason)) < cfg.Repair.OverrideMinReasonLen {
			return ApplyOutcome{}, domain.E(domain.CodeValidation, "override reason must be at least %d characters", cfg.Repair.OverrideMinReasonLen)
		}
	}

	gate, err := e.AcquireGate(ctx, tenantID, base.SiteID, base.ScenarioID, actorID, cfg.GateMaxWait())
	if err != nil {
		return ApplyOutcome{}, err
	}
	defer func() { _ = e.ReleaseGate(ctx, gate) }()

	// Assemble the child's assignment set from the base and the diff.
	baseAssignments, err := e.Repo.ListAssignments(ctx, base.ID)
	if err != nil {
		return ApplyOutcome{}, err
	}
	drop := map[string]bool{}
	for _, a := range preview.Diff.Removed {
		drop[a.StopID] = true
	}
	for _, a := range preview.Diff.Modified {
		drop[a.StopID] = true
	}
	var childAssignments []domain.Assignment
	for _, a := range baseAssignments {
		if !drop[a.StopID] {
			childAssignments = append(childAssignments, a)
		}
	}
	childAssignments = append(childAssignments, preview.Diff.Modified...)
	childAssignments = append(childAssignments, preview.Diff.Added...)

	version, err := e.Repo.LatestPlanVersion(ctx, base.ScenarioID)
	if err != nil {
		return ApplyOutcome{}, err
	}
	now := e.nowStr()
	child := domain.Plan{
		ID:               uuid.New().String(),
		ScenarioID:       base.ScenarioID,
		TenantID:         base.TenantID,
		SiteID:           base.SiteID,
		Version:          version + 1,
		Status:           domain.StatusRepairing,
		Seed:             base.Seed,
		SolverConfigHash: base.SolverConfigHash,
		ParentPlanID:     &base.ID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if opts.Override {
		child.LockReason = &opts.Reason
	}
	for i := range childAssignments {
		childAssignments[i].PlanID = child.ID
	}
	outHash, err := canonical.Hash(childAssignments)
	if err != nil {
		return ApplyOutcome{}, domain.EWrap(domain.CodeInternal, err, "hash child output")
	}
	child.OutputHash = outHash

	marks, err := e.Repo.ListFreezeMarks(ctx, base.ID)
	if err != nil {
		return ApplyOutcome{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ApplyOutcome{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertPlanTx(ctx, tx, child); err != nil {
		return ApplyOutcome{}, domain.EWrap(domain.CodeInternal, err, "insert repaired plan")
	}
	if err := e.Repo.InsertAssignmentsTx(ctx, tx, childAssignments); err != nil {
		return ApplyOutcome{}, domain.EWrap(domain.CodeInternal, err, "insert repaired assignments")
	}
	for _, m := range marks {
		if !m.Active() {
			continue
		}
		m.PlanID = child.ID
		if err := e.Repo.UpsertFreezeMarkTx(ctx, tx, m); err != nil {
			return ApplyOutcome{}, domain.EWrap(domain.CodeInternal, err, "carry freeze mark %s", m.StopID)
		}
	}
	if _, err := e.transitionPlanTx(ctx, tx, child.ID, domain.StatusRepaired, nil); err != nil {
		return ApplyOutcome{}, err
	}
	if _, err := e.transitionPlanTx(ctx, tx, child.ID, domain.StatusReAudit, nil); err != nil {
		return ApplyOutcome{}, err
	}
	if err := e.Events.Append(ctx, tx, "repair.applied", tenantID, "plan", child.ID, actorID, events.EventPayload{
		"base_plan_id": base.ID, "repair_event_id": ev.ID, "version": child.Version, "override": opts.Override,
	}); err != nil {
		return ApplyOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return ApplyOutcome{}, err
	}

	return e.finishRepair(ctx, base, child, ev, actorID)
}

// finishRepair re-audits the child and either promotes it to RE_LOCKED
// (sealing evidence and retiring the base) or parks it at AUDIT_FAIL.
func (e Engine) finishRepair(ctx context.Context, base, child domain.Plan, ev domain.RepairEvent, actorID string) (ApplyOutcome, error) {
	results, verdict, err := e.auditPlan(ctx, child)
	if err != nil {
		return ApplyOutcome{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ApplyOutcome{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAuditResultsTx(ctx, tx, results); err != nil {
		return ApplyOutcome{}, domain.EWrap(domain.CodeInternal, err, "persist re-audit results")
	}

	outcome := ApplyOutcome{
		BasePlanID:   base.ID,
		ResultPlanID: child.ID,
		Version:      child.Version,
		ReAudit:      AuditOutcome{RunID: results[0].RunID, PlanID: child.ID, Verdict: verdict, Results: results},
	}

	if verdict == domain.VerdictBlock {
		failed, err := e.transitionPlanTx(ctx, tx, child.ID, domain.StatusAuditFail, nil)
		if err != nil {
			return ApplyOutcome{}, err
		}
		if err := e.Events.Append(ctx, tx, "repair.reaudit_failed", base.TenantID, "plan", child.ID, actorID, events.EventPayload{
			"run_id": results[0].RunID,
		}); err != nil {
			return ApplyOutcome{}, err
		}
		if err := tx.Commit(); err != nil {
			return ApplyOutcome{}, err
		}
		outcome.Status = failed.Status
		outcome.ReAudit.Status = failed.Status
		return outcome, nil
	}

	now := e.nowStr()
	relocked, err := e.transitionPlanTx(ctx, tx, child.ID, domain.StatusReLocked, func(pl *domain.Plan) {
		pl.LockedAt = &now
		pl.LockedBy = &actorID
	})
	if err != nil {
		return ApplyOutcome{}, err
	}
	if _, err := e.buildEvidenceTx(ctx, tx, relocked); err != nil {
		return ApplyOutcome{}, err
	}
	if _, err := e.transitionPlanTx(ctx, tx, base.ID, domain.StatusSuperseded, nil); err != nil {
		return ApplyOutcome{}, err
	}
	if err := e.Repo.MarkRepairEventAppliedTx(ctx, tx, ev.ID, child.ID); err != nil {
		return ApplyOutcome{}, err
	}
	if err := e.Events.Append(ctx, tx, "repair.relocked", base.TenantID, "plan", child.ID, actorID, events.EventPayload{
		"base_plan_id": base.ID, "run_id": results[0].RunID, "verdict": string(verdict),
	}); err != nil {
		return ApplyOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return ApplyOutcome{}, err
	}

	outcome.Status = relocked.Status
	outcome.ReAudit.Status = relocked.Status
	e.notify(ctx, "plan.repaired", relocked)
	return outcome, nil
}

// repairVerdict folds the diff into a verdict. Coverage regression always
// blocks: a repair that leaves the plan worse off than the disruption
// found it is not a repair.
func repairVerdict(diff domain.RepairDiff) domain.Verdict {
	verdict := domain.VerdictOK
	for _, v := range diff.Violations {
		if v.Severity == "BLOCK" {
			return domain.VerdictBlock
		}
		verdict = domain.VerdictWarn
	}
	if diff.Summary.UncoveredAfter > diff.Summary.UncoveredBefore {
		return domain.VerdictBlock
	}
	return verdict
}
