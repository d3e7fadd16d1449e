package engine_test

import (
	"context"
	"testing"
	"time"

	"planlock/internal/config"
	"planlock/internal/db"
	"planlock/internal/domain"
	"planlock/internal/engine"
	"planlock/internal/migrate"
	"planlock/internal/repo"
)

const testTenant = "acme"

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default(testTenant)
	eng := engine.New(conn, cfg)
	env := &testEnv{Ctx: context.Background(), now: time.Date(2025, 6, 2, 6, 0, 0, 0, time.UTC)}
	eng.Now = func() time.Time { return env.now }
	env.Engine = eng
	if err := eng.Repo.UpsertTenantConfig(env.Ctx, testTenant, cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	return env
}

func (env *testEnv) advance(d time.Duration) { env.now = env.now.Add(d) }

// twoStopScenario has full coverage on either resource with generous rest
// gaps, so a solve of it audits clean.
func (env *testEnv) twoStopScenario(t *testing.T, id string) domain.Scenario {
	t.Helper()
	sc, err := env.Engine.CreateScenario(env.Ctx, engine.ScenarioCreateOptions{
		ID:       id,
		TenantID: testTenant,
		SiteID:   "site-1",
		Vertical: "route",
		PlanDate: "2025-06-02",
		Stops: []domain.Stop{
			{StopID: "s1", SiteID: "site-1", Earliest: "2025-06-02T08:00:00Z", Latest: "2025-06-02T12:00:00Z", DurationMin: 30, Demand: 1},
			{StopID: "s2", SiteID: "site-1", Earliest: "2025-06-02T10:00:00Z", Latest: "2025-06-02T14:00:00Z", DurationMin: 30, Demand: 1},
		},
		Resources: []domain.Resource{
			{ResourceID: "r1", SiteID: "site-1", Capacity: 4, ShiftStart: "2025-06-02T07:00:00Z", ShiftEnd: "2025-06-02T18:00:00Z"},
			{ResourceID: "r2", SiteID: "site-1", Capacity: 4, ShiftStart: "2025-06-02T07:00:00Z", ShiftEnd: "2025-06-02T18:00:00Z"},
		},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create scenario: %v", err)
	}
	return sc
}

func (env *testEnv) solvedPlan(t *testing.T, scenarioID string) domain.Plan {
	t.Helper()
	started, err := env.Engine.StartSolve(env.Ctx, engine.SolveOptions{
		TenantID: testTenant, SiteID: "site-1", ScenarioID: scenarioID, Seed: 7, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("start solve: %v", err)
	}
	if err := env.Engine.RunSolveJob(env.Ctx, started.JobID); err != nil {
		t.Fatalf("run solve job: %v", err)
	}
	p, err := env.Engine.Repo.GetPlan(env.Ctx, started.PlanID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if p.Status != domain.StatusSolved {
		t.Fatalf("expected SOLVED, got %s", p.Status)
	}
	return p
}

func (env *testEnv) lockedPlan(t *testing.T, scenarioID string) domain.Plan {
	t.Helper()
	p := env.solvedPlan(t, scenarioID)
	out, err := env.Engine.RunAudit(env.Ctx, testTenant, p.ID, "tester")
	if err != nil {
		t.Fatalf("run audit: %v", err)
	}
	if out.Status != domain.StatusAuditPass {
		t.Fatalf("expected AUDIT_PASS, got %s (verdict %s)", out.Status, out.Verdict)
	}
	locked, err := env.Engine.Lock(env.Ctx, engine.LockOptions{TenantID: testTenant, PlanID: p.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if locked.Status != domain.StatusLocked {
		t.Fatalf("expected LOCKED, got %s", locked.Status)
	}
	return locked
}

func TestCreateScenarioValidation(t *testing.T) {
	env := newTestEnv(t)
	base := engine.ScenarioCreateOptions{
		TenantID: testTenant, SiteID: "site-1", Vertical: "route", PlanDate: "2025-06-02",
		Stops:     []domain.Stop{{StopID: "s1", SiteID: "site-1", Earliest: "2025-06-02T08:00:00Z", Latest: "2025-06-02T12:00:00Z", DurationMin: 30, Demand: 1}},
		Resources: []domain.Resource{{ResourceID: "r1", SiteID: "site-1", Capacity: 1, ShiftStart: "2025-06-02T07:00:00Z", ShiftEnd: "2025-06-02T18:00:00Z"}},
		ActorID:   "tester",
	}

	bad := base
	bad.Vertical = "warehouse"
	if _, err := env.Engine.CreateScenario(env.Ctx, bad); !domain.IsCode(err, domain.CodeValidation) {
		t.Fatalf("expected VALIDATION for vertical, got %v", err)
	}

	bad = base
	bad.Stops = []domain.Stop{{StopID: "s1", SiteID: "site-2", Earliest: "2025-06-02T08:00:00Z", Latest: "2025-06-02T12:00:00Z", DurationMin: 30, Demand: 1}}
	if _, err := env.Engine.CreateScenario(env.Ctx, bad); !domain.IsCode(err, domain.CodeValidation) {
		t.Fatalf("expected VALIDATION for cross-site stop, got %v", err)
	}

	bad = base
	bad.Resources = nil
	if _, err := env.Engine.CreateScenario(env.Ctx, bad); !domain.IsCode(err, domain.CodeValidation) {
		t.Fatalf("expected VALIDATION for empty resources, got %v", err)
	}

	if _, err := env.Engine.CreateScenario(env.Ctx, base); err != nil {
		t.Fatalf("valid scenario rejected: %v", err)
	}
}

func TestSolveLifecycle(t *testing.T) {
	env := newTestEnv(t)
	sc := env.twoStopScenario(t, "sc-1")

	started, err := env.Engine.StartSolve(env.Ctx, engine.SolveOptions{
		TenantID: testTenant, SiteID: "site-1", ScenarioID: sc.ID, Seed: 7, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("start solve: %v", err)
	}
	if started.Version != 1 {
		t.Fatalf("expected version 1, got %d", started.Version)
	}

	p, err := env.Engine.Repo.GetPlan(env.Ctx, started.PlanID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if p.Status != domain.StatusSolving {
		t.Fatalf("expected SOLVING before the job runs, got %s", p.Status)
	}
	frozen, err := env.Engine.Repo.GetScenario(env.Ctx, sc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if frozen.Status != domain.ScenarioFrozen || frozen.InputHash == "" {
		t.Fatalf("expected frozen scenario with input hash, got %s %q", frozen.Status, frozen.InputHash)
	}

	if err := env.Engine.RunSolveJob(env.Ctx, started.JobID); err != nil {
		t.Fatalf("run job: %v", err)
	}
	p, _ = env.Engine.Repo.GetPlan(env.Ctx, started.PlanID)
	if p.Status != domain.StatusSolved || p.OutputHash == "" {
		t.Fatalf("expected SOLVED with output hash, got %s %q", p.Status, p.OutputHash)
	}
	assignments, err := env.Engine.Repo.ListAssignments(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(assignments) != 2 {
		t.Fatalf("expected both stops assigned, got %d", len(assignments))
	}
	job, err := env.Engine.Repo.GetSolveJob(env.Ctx, started.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.JobDone {
		t.Fatalf("expected DONE job, got %s", job.Status)
	}

	// A second solve of the frozen scenario yields version 2.
	again, err := env.Engine.StartSolve(env.Ctx, engine.SolveOptions{
		TenantID: testTenant, SiteID: "site-1", ScenarioID: sc.ID, Seed: 8, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("second solve: %v", err)
	}
	if again.Version != 2 {
		t.Fatalf("expected version 2, got %d", again.Version)
	}
}

func TestStartSolveRejectsWrongSite(t *testing.T) {
	env := newTestEnv(t)
	sc := env.twoStopScenario(t, "sc-1")
	_, err := env.Engine.StartSolve(env.Ctx, engine.SolveOptions{
		TenantID: testTenant, SiteID: "site-9", ScenarioID: sc.ID, ActorID: "tester",
	})
	if !domain.IsCode(err, domain.CodeValidation) {
		t.Fatalf("expected VALIDATION, got %v", err)
	}
}

func TestScenarioScopedByTenant(t *testing.T) {
	env := newTestEnv(t)
	sc := env.twoStopScenario(t, "sc-1")
	if _, err := env.Engine.GetScenario(env.Ctx, "other-tenant", sc.ID); err != repo.ErrNotFound {
		t.Fatalf("expected ErrNotFound across tenants, got %v", err)
	}
}

func TestCancelQueuedSolve(t *testing.T) {
	env := newTestEnv(t)
	sc := env.twoStopScenario(t, "sc-1")
	started, err := env.Engine.StartSolve(env.Ctx, engine.SolveOptions{
		TenantID: testTenant, SiteID: "site-1", ScenarioID: sc.ID, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	job, err := env.Engine.CancelSolve(env.Ctx, testTenant, started.JobID, "tester")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if job.Status != domain.JobCancelled {
		t.Fatalf("expected CANCELLED, got %s", job.Status)
	}
	p, _ := env.Engine.Repo.GetPlan(env.Ctx, started.PlanID)
	if p.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED plan after cancel, got %s", p.Status)
	}

	// The worker loses the QUEUED->RUNNING race and must write nothing.
	if err := env.Engine.RunSolveJob(env.Ctx, started.JobID); err != nil {
		t.Fatalf("run cancelled job: %v", err)
	}
	assignments, _ := env.Engine.Repo.ListAssignments(env.Ctx, started.PlanID)
	if len(assignments) != 0 {
		t.Fatalf("cancelled solve wrote %d assignments", len(assignments))
	}

	// Cancelling a finished job conflicts.
	if _, err := env.Engine.CancelSolve(env.Ctx, testTenant, started.JobID, "tester"); !domain.IsCode(err, domain.CodeConflict) {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}

func TestAuditPassAndLock(t *testing.T) {
	env := newTestEnv(t)
	sc := env.twoStopScenario(t, "sc-1")
	p := env.solvedPlan(t, sc.ID)

	out, err := env.Engine.RunAudit(env.Ctx, testTenant, p.ID, "tester")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if out.Status != domain.StatusAuditPass || out.Verdict != domain.VerdictOK {
		t.Fatalf("expected clean audit, got %s / %s", out.Status, out.Verdict)
	}
	if len(out.Results) != 7 {
		t.Fatalf("expected 7 check results, got %d", len(out.Results))
	}

	locked, err := env.Engine.Lock(env.Ctx, engine.LockOptions{TenantID: testTenant, PlanID: p.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if locked.Status != domain.StatusLocked || locked.LockedAt == nil || locked.LockedBy == nil {
		t.Fatalf("lock metadata missing: %+v", locked)
	}
	if _, err := env.Engine.Repo.GetEvidence(env.Ctx, p.ID); err != nil {
		t.Fatalf("evidence not sealed at lock: %v", err)
	}

	// Locking twice is not a legal transition.
	if _, err := env.Engine.Lock(env.Ctx, engine.LockOptions{TenantID: testTenant, PlanID: p.ID, ActorID: "tester"}); err == nil {
		t.Fatal("expected second lock to fail")
	}
}

func TestAuditWarnNeedsOverrideToLock(t *testing.T) {
	env := newTestEnv(t)
	// One resource, stops spaced 35 minutes apart: above min rest (30)
	// but inside the warn band (45).
	sc, err := env.Engine.CreateScenario(env.Ctx, engine.ScenarioCreateOptions{
		TenantID: testTenant, SiteID: "site-1", Vertical: "route", PlanDate: "2025-06-02",
		Stops: []domain.Stop{
			{StopID: "s1", SiteID: "site-1", Earliest: "2025-06-02T08:00:00Z", Latest: "2025-06-02T09:00:00Z", DurationMin: 30, Demand: 1},
			{StopID: "s2", SiteID: "site-1", Earliest: "2025-06-02T09:05:00Z", Latest: "2025-06-02T10:00:00Z", DurationMin: 30, Demand: 1},
		},
		Resources: []domain.Resource{
			{ResourceID: "r1", SiteID: "site-1", Capacity: 4, ShiftStart: "2025-06-02T07:00:00Z", ShiftEnd: "2025-06-02T18:00:00Z"},
		},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	p := env.solvedPlan(t, sc.ID)
	out, err := env.Engine.RunAudit(env.Ctx, testTenant, p.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != domain.StatusAuditWarn {
		t.Fatalf("expected AUDIT_WARN, got %s", out.Status)
	}

	_, err = env.Engine.Lock(env.Ctx, engine.LockOptions{TenantID: testTenant, PlanID: p.ID, ActorID: "tester"})
	if !domain.IsCode(err, domain.CodeBlockedByPolicy) {
		t.Fatalf("expected BLOCKED_BY_POLICY without override, got %v", err)
	}
	_, err = env.Engine.Lock(env.Ctx, engine.LockOptions{TenantID: testTenant, PlanID: p.ID, ActorID: "tester", Override: true, Reason: "short"})
	if !domain.IsCode(err, domain.CodeValidation) {
		t.Fatalf("expected VALIDATION for thin reason, got %v", err)
	}
	locked, err := env.Engine.Lock(env.Ctx, engine.LockOptions{
		TenantID: testTenant, PlanID: p.ID, ActorID: "tester",
		Override: true, Reason: "tight schedule accepted by dispatch lead",
	})
	if err != nil {
		t.Fatalf("override lock: %v", err)
	}
	if locked.LockReason == nil {
		t.Fatal("override reason not recorded")
	}
}

func TestResolveAfterAuditFail(t *testing.T) {
	env := newTestEnv(t)
	// The only stop demands a skill nobody has, so it stays uncovered and
	// coverage fails outright.
	sc, err := env.Engine.CreateScenario(env.Ctx, engine.ScenarioCreateOptions{
		TenantID: testTenant, SiteID: "site-1", Vertical: "route", PlanDate: "2025-06-02",
		Stops: []domain.Stop{
			{StopID: "s1", SiteID: "site-1", Earliest: "2025-06-02T08:00:00Z", Latest: "2025-06-02T12:00:00Z", DurationMin: 30, RequiredSkills: []string{"crane"}, Demand: 1},
		},
		Resources: []domain.Resource{
			{ResourceID: "r1", SiteID: "site-1", Capacity: 4, ShiftStart: "2025-06-02T07:00:00Z", ShiftEnd: "2025-06-02T18:00:00Z"},
		},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	p := env.solvedPlan(t, sc.ID)
	out, err := env.Engine.RunAudit(env.Ctx, testTenant, p.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != domain.StatusAuditFail {
		t.Fatalf("expected AUDIT_FAIL, got %s", out.Status)
	}

	// AUDIT_FAIL can never be locked.
	if _, err := env.Engine.Lock(env.Ctx, engine.LockOptions{TenantID: testTenant, PlanID: p.ID, ActorID: "tester", Override: true, Reason: "operations insists on shipping this"}); err == nil {
		t.Fatal("expected lock of AUDIT_FAIL to be rejected")
	}

	started, err := env.Engine.Resolve(env.Ctx, testTenant, p.ID, 99, "tester")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if started.PlanID != p.ID {
		t.Fatalf("resolve must reuse the plan, got %s", started.PlanID)
	}
	reread, _ := env.Engine.Repo.GetPlan(env.Ctx, p.ID)
	if reread.Status != domain.StatusSolving || reread.Seed != 99 || reread.OutputHash != "" {
		t.Fatalf("resolve reset incomplete: %+v", reread)
	}
	if err := env.Engine.RunSolveJob(env.Ctx, started.JobID); err != nil {
		t.Fatalf("rerun job: %v", err)
	}
}

func TestFreezeBadgeAndUnfreeze(t *testing.T) {
	env := newTestEnv(t)
	sc := env.twoStopScenario(t, "sc-1")
	p := env.lockedPlan(t, sc.ID)

	badge, err := env.Engine.FreezeBadge(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if badge != domain.FreezeNone {
		t.Fatalf("expected no badge, got %s", badge)
	}

	err = env.Engine.FreezeAssignments(env.Ctx, engine.FreezeOptions{
		TenantID: testTenant, PlanID: p.ID, StopIDs: []string{"s1"}, ActorID: "tester", Reason: "customer confirmed window",
	})
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if badge, _ = env.Engine.FreezeBadge(env.Ctx, p.ID); badge != domain.FreezePartial {
		t.Fatalf("expected partial badge, got %s", badge)
	}

	err = env.Engine.FreezeAssignments(env.Ctx, engine.FreezeOptions{
		TenantID: testTenant, PlanID: p.ID, StopIDs: []string{"s2"}, ActorID: "tester", Reason: "customer confirmed window",
	})
	if err != nil {
		t.Fatal(err)
	}
	if badge, _ = env.Engine.FreezeBadge(env.Ctx, p.ID); badge != domain.FreezeFull {
		t.Fatalf("expected full badge, got %s", badge)
	}

	// Freezing a stop the plan never assigned is a validation error.
	err = env.Engine.FreezeAssignments(env.Ctx, engine.FreezeOptions{
		TenantID: testTenant, PlanID: p.ID, StopIDs: []string{"ghost"}, ActorID: "tester", Reason: "x",
	})
	if !domain.IsCode(err, domain.CodeValidation) {
		t.Fatalf("expected VALIDATION, got %v", err)
	}

	// Unfreeze is admin-only and demands a substantive reason.
	err = env.Engine.UnfreezeAssignments(env.Ctx, engine.FreezeOptions{
		TenantID: testTenant, PlanID: p.ID, StopIDs: []string{"s1"}, ActorID: "tester", Reason: "customer released the window after a call",
	})
	if !domain.IsCode(err, domain.CodeForbidden) {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
	err = env.Engine.UnfreezeAssignments(env.Ctx, engine.FreezeOptions{
		TenantID: testTenant, PlanID: p.ID, StopIDs: []string{"s1"}, ActorID: "admin", Admin: true, Reason: "too short",
	})
	if !domain.IsCode(err, domain.CodeValidation) {
		t.Fatalf("expected VALIDATION, got %v", err)
	}
	err = env.Engine.UnfreezeAssignments(env.Ctx, engine.FreezeOptions{
		TenantID: testTenant, PlanID: p.ID, StopIDs: []string{"s1"}, ActorID: "admin", Admin: true, Reason: "customer released the window after a call",
	})
	if err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	if badge, _ = env.Engine.FreezeBadge(env.Ctx, p.ID); badge != domain.FreezePartial {
		t.Fatalf("expected partial after unfreeze, got %s", badge)
	}

	// The cleared mark is retained in history.
	marks, err := env.Engine.Repo.ListFreezeMarks(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	var cleared bool
	for _, m := range marks {
		if m.StopID == "s1" && m.ClearedAt != nil {
			cleared = true
		}
	}
	if !cleared {
		t.Fatal("cleared freeze mark not retained")
	}
}

func TestFreezeRequiresLockedPlan(t *testing.T) {
	env := newTestEnv(t)
	sc := env.twoStopScenario(t, "sc-1")
	p := env.solvedPlan(t, sc.ID)
	err := env.Engine.FreezeAssignments(env.Ctx, engine.FreezeOptions{
		TenantID: testTenant, PlanID: p.ID, StopIDs: []string{"s1"}, ActorID: "tester", Reason: "x",
	})
	if !domain.IsCode(err, domain.CodeConflict) {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}

func TestPublishAndSupersede(t *testing.T) {
	env := newTestEnv(t)
	sc := env.twoStopScenario(t, "sc-1")
	p := env.lockedPlan(t, sc.ID)

	snap, err := env.Engine.Publish(env.Ctx, testTenant, p.ID, "tester", "")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if snap.PlanID != p.ID || snap.VersionNumber != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	// Publishing an unlocked plan is rejected.
	sc2 := env.twoStopScenario(t, "sc-2")
	solved := env.solvedPlan(t, sc2.ID)
	if _, err := env.Engine.Publish(env.Ctx, testTenant, solved.ID, "tester", ""); !domain.IsCode(err, domain.CodeConflict) {
		t.Fatalf("expected CONFLICT, got %v", err)
	}

	retired, err := env.Engine.Supersede(env.Ctx, testTenant, p.ID, "tester")
	if err != nil {
		t.Fatalf("supersede: %v", err)
	}
	if retired.Status != domain.StatusSuperseded {
		t.Fatalf("expected SUPERSEDED, got %s", retired.Status)
	}
}
