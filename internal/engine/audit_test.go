package engine_test

import (
	"testing"

	"planlock/internal/config"
	"planlock/internal/domain"
	"planlock/internal/engine"
	"planlock/internal/engine/solver"
)

func auditFixture() engine.AuditInput {
	sc := domain.Scenario{ID: "sc-1", TenantID: "acme", SiteID: "site-1", Vertical: "route", PlanDate: "2025-06-02"}
	return engine.AuditInput{
		Snapshot: solver.Snapshot{
			Scenario: sc,
			Stops: []domain.Stop{
				{StopID: "s1", SiteID: "site-1", Earliest: "2025-06-02T08:00:00Z", Latest: "2025-06-02T12:00:00Z", DurationMin: 30, Demand: 1},
				{StopID: "s2", SiteID: "site-1", Earliest: "2025-06-02T10:00:00Z", Latest: "2025-06-02T14:00:00Z", DurationMin: 30, Demand: 1},
			},
			Resources: []domain.Resource{
				{ResourceID: "r1", SiteID: "site-1", Capacity: 4, ShiftStart: "2025-06-02T07:00:00Z", ShiftEnd: "2025-06-02T18:00:00Z"},
				{ResourceID: "r2", SiteID: "site-1", Capacity: 4, ShiftStart: "2025-06-02T07:00:00Z", ShiftEnd: "2025-06-02T18:00:00Z"},
			},
		},
		Assignments: []domain.Assignment{
			{PlanID: "p1", StopID: "s1", ResourceID: "r1", SiteID: "site-1", StartAt: "2025-06-02T08:00:00Z", EndAt: "2025-06-02T08:30:00Z", Load: 1},
			{PlanID: "p1", StopID: "s2", ResourceID: "r1", SiteID: "site-1", StartAt: "2025-06-02T10:00:00Z", EndAt: "2025-06-02T10:30:00Z", Load: 1},
		},
		Config: config.Default("acme"),
	}
}

func resultFor(t *testing.T, results []engine.CheckResult, name string) engine.CheckResult {
	t.Helper()
	for _, r := range results {
		if r.CheckName == name {
			return r
		}
	}
	t.Fatalf("no result for check %q", name)
	return engine.CheckResult{}
}

func TestAuditCleanPlan(t *testing.T) {
	results := engine.Audit(auditFixture())
	if len(results) != 7 {
		t.Fatalf("expected 7 checks, got %d", len(results))
	}
	for _, r := range results {
		if r.Status != domain.CheckPass {
			t.Fatalf("check %s: expected PASS, got %s (%v)", r.CheckName, r.Status, r.Offenders)
		}
	}
	if v := engine.AuditVerdict(results); v != domain.VerdictOK {
		t.Fatalf("expected OK verdict, got %s", v)
	}
}

func TestAuditCoverageThresholds(t *testing.T) {
	in := auditFixture()
	in.Config.Audit.CoverageFailBelow = 0.6
	in.Config.Audit.CoverageWarnBelow = 1.0

	// One of two stops uncovered: ratio 0.5 < fail threshold.
	in.Assignments = in.Assignments[:1]
	in.Config.Audit.CoverageFailBelow = 0.6
	res := resultFor(t, engine.Audit(in), "coverage")
	if res.Status != domain.CheckFail || res.ViolationCount != 1 || res.Offenders[0] != "s2" {
		t.Fatalf("expected FAIL on s2, got %+v", res)
	}

	// Same ratio with a lower fail bar only warns.
	in.Config.Audit.CoverageFailBelow = 0.4
	res = resultFor(t, engine.Audit(in), "coverage")
	if res.Status != domain.CheckWarn {
		t.Fatalf("expected WARN, got %+v", res)
	}
	if v := engine.AuditVerdict(engine.Audit(in)); v != domain.VerdictWarn {
		t.Fatalf("expected WARN verdict, got %s", v)
	}
}

func TestAuditOverlap(t *testing.T) {
	in := auditFixture()
	in.Assignments[1].StartAt = "2025-06-02T08:15:00Z"
	in.Assignments[1].EndAt = "2025-06-02T08:45:00Z"
	res := resultFor(t, engine.Audit(in), "overlap")
	if res.Status != domain.CheckFail || res.Offenders[0] != "r1" {
		t.Fatalf("expected overlap FAIL on r1, got %+v", res)
	}

	// Back-to-back intervals sharing an endpoint are legal.
	in.Assignments[1].StartAt = "2025-06-02T08:30:00Z"
	in.Assignments[1].EndAt = "2025-06-02T09:00:00Z"
	// Space them out for rest so only the overlap semantics are at stake.
	in.Config.Audit.MinRestMinutes = 0
	in.Config.Audit.RestWarnMinutes = 0
	res = resultFor(t, engine.Audit(in), "overlap")
	if res.Status != domain.CheckPass {
		t.Fatalf("shared endpoint flagged as overlap: %+v", res)
	}
}

func TestAuditRestBands(t *testing.T) {
	in := auditFixture()

	// 35 minute gap: above min (30), inside warn band (45).
	in.Assignments[1].StartAt = "2025-06-02T09:05:00Z"
	in.Assignments[1].EndAt = "2025-06-02T09:35:00Z"
	res := resultFor(t, engine.Audit(in), "rest")
	if res.Status != domain.CheckWarn || res.Offenders[0] != "r1" {
		t.Fatalf("expected rest WARN on r1, got %+v", res)
	}

	// 10 minute gap fails.
	in.Assignments[1].StartAt = "2025-06-02T08:40:00Z"
	in.Assignments[1].EndAt = "2025-06-02T09:10:00Z"
	res = resultFor(t, engine.Audit(in), "rest")
	if res.Status != domain.CheckFail {
		t.Fatalf("expected rest FAIL, got %+v", res)
	}

	// Different resources never owe each other rest.
	in.Assignments[1].ResourceID = "r2"
	res = resultFor(t, engine.Audit(in), "rest")
	if res.Status != domain.CheckPass {
		t.Fatalf("cross-resource rest flagged: %+v", res)
	}
}

func TestAuditSkillMatch(t *testing.T) {
	in := auditFixture()
	in.Snapshot.Stops[0].RequiredSkills = []string{"hazmat"}
	res := resultFor(t, engine.Audit(in), "skill_match")
	if res.Status != domain.CheckFail || res.Offenders[0] != "s1" {
		t.Fatalf("expected skill FAIL on s1, got %+v", res)
	}
	in.Snapshot.Resources[0].Skills = []string{"hazmat", "forklift"}
	res = resultFor(t, engine.Audit(in), "skill_match")
	if res.Status != domain.CheckPass {
		t.Fatalf("qualified resource flagged: %+v", res)
	}
}

func TestAuditCapacity(t *testing.T) {
	in := auditFixture()
	in.Snapshot.Resources[0].Capacity = 1
	res := resultFor(t, engine.Audit(in), "capacity")
	if res.Status != domain.CheckFail || res.Offenders[0] != "r1" {
		t.Fatalf("expected capacity FAIL on r1, got %+v", res)
	}
}

func TestAuditSiteMatch(t *testing.T) {
	in := auditFixture()
	in.Snapshot.Resources[0].SiteID = "site-2"
	res := resultFor(t, engine.Audit(in), "site_match")
	if res.Status != domain.CheckFail {
		t.Fatalf("expected site FAIL, got %+v", res)
	}
	if len(res.Offenders) != 2 {
		t.Fatalf("both of r1's assignments should offend, got %v", res.Offenders)
	}
}

func TestAuditFreezeConsistency(t *testing.T) {
	in := auditFixture()
	in.FrozenStops = map[string]bool{"s1": true, "s9": true}
	res := resultFor(t, engine.Audit(in), "freeze_consistency")
	if res.Status != domain.CheckFail || res.Offenders[0] != "s9" {
		t.Fatalf("expected freeze FAIL on s9, got %+v", res)
	}
}

func TestAuditIsDeterministic(t *testing.T) {
	in := auditFixture()
	in.Snapshot.Stops[0].RequiredSkills = []string{"hazmat"}
	a := engine.Audit(in)
	b := engine.Audit(in)
	if len(a) != len(b) {
		t.Fatal("result lengths differ")
	}
	for i := range a {
		if a[i].CheckName != b[i].CheckName || a[i].Status != b[i].Status || a[i].ViolationCount != b[i].ViolationCount {
			t.Fatalf("run divergence at %s", a[i].CheckName)
		}
	}
}
