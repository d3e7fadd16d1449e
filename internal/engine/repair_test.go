package engine_test

import (
	"testing"
	"time"

	"planlock/internal/domain"
	"planlock/internal/engine"
)

// resourceServing returns the resource currently assigned to the stop.
func resourceServing(t *testing.T, env *testEnv, planID, stopID string) string {
	t.Helper()
	as, err := env.Engine.Repo.ListAssignments(env.Ctx, planID)
	if err != nil {
		t.Fatalf("list assignments: %v", err)
	}
	for _, a := range as {
		if a.StopID == stopID {
			return a.ResourceID
		}
	}
	t.Fatalf("stop %s has no assignment on plan %s", stopID, planID)
	return ""
}

func (env *testEnv) repairEvent(t *testing.T, planID string, typ domain.RepairEventType, affected ...string) domain.RepairEvent {
	t.Helper()
	ev, err := env.Engine.CreateRepairEvent(env.Ctx, engine.RepairEventOptions{
		TenantID: testTenant, SiteID: "site-1", PlanID: planID,
		EventType: typ, AffectedIDs: affected, ActorID: "dispatcher",
	})
	if err != nil {
		t.Fatalf("create repair event: %v", err)
	}
	return ev
}

func TestRepairEventValidation(t *testing.T) {
	env := newTestEnv(t)
	env.twoStopScenario(t, "sc-rep-val")
	locked := env.lockedPlan(t, "sc-rep-val")

	_, err := env.Engine.CreateRepairEvent(env.Ctx, engine.RepairEventOptions{
		TenantID: testTenant, PlanID: locked.ID, EventType: "METEOR_STRIKE",
		AffectedIDs: []string{"r1"}, ActorID: "dispatcher",
	})
	if !domain.IsCode(err, domain.CodeValidation) {
		t.Fatalf("unknown event type should be rejected, got %v", err)
	}
	_, err = env.Engine.CreateRepairEvent(env.Ctx, engine.RepairEventOptions{
		TenantID: testTenant, PlanID: locked.ID, EventType: domain.RepairVehicleDown,
		ActorID: "dispatcher",
	})
	if !domain.IsCode(err, domain.CodeValidation) {
		t.Fatalf("empty affected_ids should be rejected, got %v", err)
	}
	_, err = env.Engine.CreateRepairEvent(env.Ctx, engine.RepairEventOptions{
		TenantID: testTenant, SiteID: "site-9", PlanID: locked.ID, EventType: domain.RepairVehicleDown,
		AffectedIDs: []string{"r1"}, ActorID: "dispatcher",
	})
	if !domain.IsCode(err, domain.CodeValidation) {
		t.Fatalf("foreign site should be rejected, got %v", err)
	}
}

func TestRepairRequiresLockedPlan(t *testing.T) {
	env := newTestEnv(t)
	env.twoStopScenario(t, "sc-rep-solved")
	p := env.solvedPlan(t, "sc-rep-solved")

	_, err := env.Engine.CreateRepairEvent(env.Ctx, engine.RepairEventOptions{
		TenantID: testTenant, PlanID: p.ID, EventType: domain.RepairVehicleDown,
		AffectedIDs: []string{"r1"}, ActorID: "dispatcher",
	})
	if !domain.IsCode(err, domain.CodeConflict) {
		t.Fatalf("repair on a SOLVED plan should conflict, got %v", err)
	}
}

func TestRepairPreviewAndApply(t *testing.T) {
	env := newTestEnv(t)
	env.twoStopScenario(t, "sc-rep-ok")
	locked := env.lockedPlan(t, "sc-rep-ok")
	down := resourceServing(t, env, locked.ID, "s1")

	ev := env.repairEvent(t, locked.ID, domain.RepairVehicleDown, down)
	if ev.Status != domain.RepairEventOpen {
		t.Fatalf("fresh event should be open, got %s", ev.Status)
	}

	preview, err := env.Engine.PreviewRepair(env.Ctx, testTenant, ev.ID, "dispatcher")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if preview.Verdict != domain.VerdictOK {
		t.Fatalf("expected OK verdict, got %s (violations %v)", preview.Verdict, preview.Diff.Violations)
	}
	if preview.Diff.Summary.UncoveredAfter != 0 {
		t.Fatalf("the surviving resource covers everything, got %d uncovered", preview.Diff.Summary.UncoveredAfter)
	}
	if len(preview.Diff.Removed) != 0 || len(preview.Diff.Added) != 0 {
		t.Fatalf("every displaced stop was previously assigned and replaceable: removed=%d added=%d",
			len(preview.Diff.Removed), len(preview.Diff.Added))
	}
	found := false
	for _, a := range preview.Diff.Modified {
		if a.ResourceID == down {
			t.Fatalf("repair placed %s back on the downed resource", a.StopID)
		}
		if a.StopID == "s1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("s1 should be in the modified set, got %+v", preview.Diff.Modified)
	}
	if preview.Diff.Summary.ChurnAssignmentCount != len(preview.Diff.Modified) {
		t.Fatalf("churn %d != modified %d", preview.Diff.Summary.ChurnAssignmentCount, len(preview.Diff.Modified))
	}

	// Preview changes nothing about the base plan.
	base, err := env.Engine.Repo.GetPlan(env.Ctx, locked.ID)
	if err != nil {
		t.Fatalf("get base: %v", err)
	}
	if base.Status != domain.StatusLocked {
		t.Fatalf("base should still be LOCKED after preview, got %s", base.Status)
	}

	out, err := env.Engine.ApplyRepair(env.Ctx, engine.ApplyRepairOptions{
		TenantID: testTenant, PreviewID: preview.ID, ActorID: "dispatcher",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.BasePlanID != locked.ID {
		t.Fatalf("outcome names base %s, want %s", out.BasePlanID, locked.ID)
	}
	if out.Status != domain.StatusReLocked {
		t.Fatalf("expected RE_LOCKED child, got %s", out.Status)
	}
	if out.Version != locked.Version+1 {
		t.Fatalf("child version %d, want %d", out.Version, locked.Version+1)
	}

	base, err = env.Engine.Repo.GetPlan(env.Ctx, locked.ID)
	if err != nil {
		t.Fatalf("get base: %v", err)
	}
	if base.Status != domain.StatusSuperseded {
		t.Fatalf("base should be SUPERSEDED after apply, got %s", base.Status)
	}

	child, err := env.Engine.Repo.GetPlan(env.Ctx, out.ResultPlanID)
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if child.Status != domain.StatusReLocked || child.OutputHash == "" {
		t.Fatalf("child %s status=%s output_hash=%q", child.ID, child.Status, child.OutputHash)
	}
	if _, err := env.Engine.Repo.GetEvidence(env.Ctx, child.ID); err != nil {
		t.Fatalf("relocked child should have sealed evidence: %v", err)
	}
	for _, a := range mustAssignments(t, env, child.ID) {
		if a.ResourceID == down {
			t.Fatalf("child keeps %s on the downed resource", a.StopID)
		}
	}

	applied, err := env.Engine.Repo.GetRepairEvent(env.Ctx, ev.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if applied.Status != domain.RepairEventApplied {
		t.Fatalf("event should be applied, got %s", applied.Status)
	}
	if applied.ResultPlanID == nil || *applied.ResultPlanID != child.ID {
		t.Fatalf("event result plan %v, want %s", applied.ResultPlanID, child.ID)
	}

	// An applied event supports neither a second preview nor a second apply.
	if _, err := env.Engine.PreviewRepair(env.Ctx, testTenant, ev.ID, "dispatcher"); !domain.IsCode(err, domain.CodeConflict) {
		t.Fatalf("preview of applied event should conflict, got %v", err)
	}
	if _, err := env.Engine.ApplyRepair(env.Ctx, engine.ApplyRepairOptions{
		TenantID: testTenant, PreviewID: preview.ID, ActorID: "dispatcher",
	}); !domain.IsCode(err, domain.CodeConflict) {
		t.Fatalf("second apply should conflict, got %v", err)
	}
}

func mustAssignments(t *testing.T, env *testEnv, planID string) []domain.Assignment {
	t.Helper()
	as, err := env.Engine.Repo.ListAssignments(env.Ctx, planID)
	if err != nil {
		t.Fatalf("list assignments: %v", err)
	}
	return as
}

func TestRepairFrozenAssignmentOnDownResource(t *testing.T) {
	env := newTestEnv(t)
	env.twoStopScenario(t, "sc-rep-frozen")
	locked := env.lockedPlan(t, "sc-rep-frozen")
	down := resourceServing(t, env, locked.ID, "s1")

	err := env.Engine.FreezeAssignments(env.Ctx, engine.FreezeOptions{
		TenantID: testTenant, PlanID: locked.ID, StopIDs: []string{"s1"},
		ActorID: "tester", Reason: "customer confirmed the morning slot",
	})
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}

	ev := env.repairEvent(t, locked.ID, domain.RepairVehicleDown, down)
	preview, err := env.Engine.PreviewRepair(env.Ctx, testTenant, ev.ID, "dispatcher")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if preview.Verdict != domain.VerdictBlock {
		t.Fatalf("frozen stop on a down resource should block, got %s", preview.Verdict)
	}
	blocked := false
	for _, v := range preview.Diff.Violations {
		if v.Kind == "freeze" && v.Severity == "BLOCK" {
			blocked = true
		}
	}
	if !blocked {
		t.Fatalf("expected a BLOCK freeze violation, got %v", preview.Diff.Violations)
	}
	for _, list := range [][]domain.Assignment{preview.Diff.Removed, preview.Diff.Added, preview.Diff.Modified} {
		for _, a := range list {
			if a.StopID == "s1" {
				t.Fatalf("frozen stop s1 leaked into the diff")
			}
		}
	}

	_, err = env.Engine.ApplyRepair(env.Ctx, engine.ApplyRepairOptions{
		TenantID: testTenant, PreviewID: preview.ID, ActorID: "dispatcher",
	})
	if !domain.IsCode(err, domain.CodeBlockedByPolicy) {
		t.Fatalf("blocked preview without override, got %v", err)
	}
	_, err = env.Engine.ApplyRepair(env.Ctx, engine.ApplyRepairOptions{
		TenantID: testTenant, PreviewID: preview.ID, ActorID: "dispatcher", Override: true, Reason: "because",
	})
	if !domain.IsCode(err, domain.CodeValidation) {
		t.Fatalf("thin override reason should be rejected, got %v", err)
	}
	out, err := env.Engine.ApplyRepair(env.Ctx, engine.ApplyRepairOptions{
		TenantID: testTenant, PreviewID: preview.ID, ActorID: "dispatcher",
		Override: true, Reason: "dispatcher will shuttle the crew to the confirmed stop",
	})
	if err != nil {
		t.Fatalf("apply with override: %v", err)
	}
	if out.Status != domain.StatusReLocked {
		t.Fatalf("expected RE_LOCKED, got %s", out.Status)
	}

	// The freeze mark travels to the child.
	marks, err := env.Engine.Repo.ListFreezeMarks(env.Ctx, out.ResultPlanID)
	if err != nil {
		t.Fatalf("list marks: %v", err)
	}
	carried := false
	for _, m := range marks {
		if m.StopID == "s1" && m.Active() {
			carried = true
		}
	}
	if !carried {
		t.Fatalf("active mark for s1 should be carried to the child, got %+v", marks)
	}
	for _, a := range mustAssignments(t, env, out.ResultPlanID) {
		if a.StopID == "s1" && a.ResourceID != down {
			t.Fatalf("frozen s1 must keep its original placement, moved to %s", a.ResourceID)
		}
	}
}

func TestRepairPreviewExpires(t *testing.T) {
	env := newTestEnv(t)
	env.twoStopScenario(t, "sc-rep-exp")
	locked := env.lockedPlan(t, "sc-rep-exp")
	down := resourceServing(t, env, locked.ID, "s1")

	ev := env.repairEvent(t, locked.ID, domain.RepairVehicleDown, down)
	preview, err := env.Engine.PreviewRepair(env.Ctx, testTenant, ev.ID, "dispatcher")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}

	env.advance(env.Engine.Config.PreviewTTL() + time.Minute)
	_, err = env.Engine.ApplyRepair(env.Ctx, engine.ApplyRepairOptions{
		TenantID: testTenant, PreviewID: preview.ID, ActorID: "dispatcher",
	})
	if !domain.IsCode(err, domain.CodeExpired) {
		t.Fatalf("stale preview should expire, got %v", err)
	}

	// Previewing again issues a fresh session that applies cleanly.
	fresh, err := env.Engine.PreviewRepair(env.Ctx, testTenant, ev.ID, "dispatcher")
	if err != nil {
		t.Fatalf("re-preview: %v", err)
	}
	if _, err := env.Engine.ApplyRepair(env.Ctx, engine.ApplyRepairOptions{
		TenantID: testTenant, PreviewID: fresh.ID, ActorID: "dispatcher",
	}); err != nil {
		t.Fatalf("apply fresh preview: %v", err)
	}
}

func TestRepairScopedByTenant(t *testing.T) {
	env := newTestEnv(t)
	env.twoStopScenario(t, "sc-rep-tenant")
	locked := env.lockedPlan(t, "sc-rep-tenant")
	down := resourceServing(t, env, locked.ID, "s1")
	ev := env.repairEvent(t, locked.ID, domain.RepairVehicleDown, down)

	if _, err := env.Engine.PreviewRepair(env.Ctx, "rival", ev.ID, "dispatcher"); !domain.IsCode(err, domain.CodeNotFound) {
		t.Fatalf("foreign tenant should see not found, got %v", err)
	}
	preview, err := env.Engine.PreviewRepair(env.Ctx, testTenant, ev.ID, "dispatcher")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if _, err := env.Engine.ApplyRepair(env.Ctx, engine.ApplyRepairOptions{
		TenantID: "rival", PreviewID: preview.ID, ActorID: "dispatcher",
	}); !domain.IsCode(err, domain.CodeNotFound) {
		t.Fatalf("foreign tenant apply should see not found, got %v", err)
	}
}
