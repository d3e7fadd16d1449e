package engine

import (
	"sort"
	"time"

	"planlock/internal/config"
	"planlock/internal/domain"
	"planlock/internal/engine/solver"
)

// AuditInput is everything a check is allowed to look at. No clock, no
// randomness, no I/O: two runs over equal inputs produce equal results.
type AuditInput struct {
	Snapshot    solver.Snapshot
	Assignments []domain.Assignment
	FrozenStops map[string]bool
	Config      *config.Config
}

// CheckResult is one check's outcome before persistence stamps ids.
type CheckResult struct {
	CheckName      string
	Status         domain.CheckStatus
	ViolationCount int
	Offenders      []string
}

type checkFn struct {
	name string
	fn   func(AuditInput) CheckResult
}

// auditChecks run in a fixed order so result rows are stable run to run.
var auditChecks = []checkFn{
	{"coverage", checkCoverage},
	{"overlap", checkOverlap},
	{"rest", checkRest},
	{"skill_match", checkSkillMatch},
	{"capacity", checkCapacity},
	{"site_match", checkSiteMatch},
	{"freeze_consistency", checkFreezeConsistency},
}

// Audit evaluates every check against the input and returns results in
// check order with sorted offender lists.
func Audit(in AuditInput) []CheckResult {
	out := make([]CheckResult, 0, len(auditChecks))
	for _, c := range auditChecks {
		res := c.fn(in)
		res.CheckName = c.name
		sort.Strings(res.Offenders)
		res.ViolationCount = len(res.Offenders)
		out = append(out, res)
	}
	return out
}

// AuditVerdict folds check results into a single verdict: any FAIL blocks,
// any WARN degrades, otherwise clean.
func AuditVerdict(results []CheckResult) domain.Verdict {
	verdict := domain.VerdictOK
	for _, r := range results {
		switch r.Status {
		case domain.CheckFail:
			return domain.VerdictBlock
		case domain.CheckWarn:
			verdict = domain.VerdictWarn
		}
	}
	return verdict
}

// statusForVerdict maps an audit verdict onto the plan lifecycle.
func statusForVerdict(v domain.Verdict) domain.PlanStatus {
	switch v {
	case domain.VerdictBlock:
		return domain.StatusAuditFail
	case domain.VerdictWarn:
		return domain.StatusAuditWarn
	}
	return domain.StatusAuditPass
}

// checkCoverage compares covered demand against the configured thresholds.
// An empty scenario trivially passes.
func checkCoverage(in AuditInput) CheckResult {
	total := len(in.Snapshot.Stops)
	if total == 0 {
		return CheckResult{Status: domain.CheckPass}
	}
	covered := map[string]bool{}
	for _, a := range in.Assignments {
		covered[a.StopID] = true
	}
	var offenders []string
	for _, s := range in.Snapshot.Stops {
		if !covered[s.StopID] {
			offenders = append(offenders, s.StopID)
		}
	}
	ratio := float64(total-len(offenders)) / float64(total)
	status := domain.CheckPass
	if ratio < in.Config.Audit.CoverageFailBelow {
		status = domain.CheckFail
	} else if ratio < in.Config.Audit.CoverageWarnBelow {
		status = domain.CheckWarn
	}
	return CheckResult{Status: status, Offenders: offenders}
}

// checkOverlap fails when a resource holds two time-overlapping
// assignments. Back-to-back intervals sharing an endpoint do not overlap.
func checkOverlap(in AuditInput) CheckResult {
	byResource := map[string][]domain.Assignment{}
	for _, a := range in.Assignments {
		byResource[a.ResourceID] = append(byResource[a.ResourceID], a)
	}
	var offenders []string
	for resID, list := range byResource {
		sort.Slice(list, func(i, j int) bool {
			if list[i].StartAt != list[j].StartAt {
				return list[i].StartAt < list[j].StartAt
			}
			return list[i].StopID < list[j].StopID
		})
		for i := 1; i < len(list); i++ {
			prevEnd, err1 := time.Parse(time.RFC3339, list[i-1].EndAt)
			curStart, err2 := time.Parse(time.RFC3339, list[i].StartAt)
			if err1 != nil || err2 != nil {
				offenders = append(offenders, resID)
				break
			}
			if curStart.Before(prevEnd) {
				offenders = append(offenders, resID)
				break
			}
		}
	}
	status := domain.CheckPass
	if len(offenders) > 0 {
		status = domain.CheckFail
	}
	return CheckResult{Status: status, Offenders: offenders}
}

// checkRest inspects the gap between consecutive assignments per resource:
// below min_rest_minutes fails, below rest_warn_minutes warns.
func checkRest(in AuditInput) CheckResult {
	minRest := time.Duration(in.Config.Audit.MinRestMinutes) * time.Minute
	warnRest := time.Duration(in.Config.Audit.RestWarnMinutes) * time.Minute

	byResource := map[string][]domain.Assignment{}
	for _, a := range in.Assignments {
		byResource[a.ResourceID] = append(byResource[a.ResourceID], a)
	}
	status := domain.CheckPass
	var offenders []string
	for resID, list := range byResource {
		sort.Slice(list, func(i, j int) bool {
			if list[i].StartAt != list[j].StartAt {
				return list[i].StartAt < list[j].StartAt
			}
			return list[i].StopID < list[j].StopID
		})
		worst := domain.CheckPass
		for i := 1; i < len(list); i++ {
			prevEnd, err1 := time.Parse(time.RFC3339, list[i-1].EndAt)
			curStart, err2 := time.Parse(time.RFC3339, list[i].StartAt)
			if err1 != nil || err2 != nil {
				continue
			}
			gap := curStart.Sub(prevEnd)
			if gap < 0 {
				// Overlapping pairs are the overlap check's problem.
				continue
			}
			if gap < minRest {
				worst = domain.CheckFail
			} else if gap < warnRest && worst != domain.CheckFail {
				worst = domain.CheckWarn
			}
		}
		if worst != domain.CheckPass {
			offenders = append(offenders, resID)
			if worst == domain.CheckFail {
				status = domain.CheckFail
			} else if status != domain.CheckFail {
				status = domain.CheckWarn
			}
		}
	}
	return CheckResult{Status: status, Offenders: offenders}
}

// checkSkillMatch fails assignments whose resource lacks a required skill.
func checkSkillMatch(in AuditInput) CheckResult {
	stops := map[string]domain.Stop{}
	for _, s := range in.Snapshot.Stops {
		stops[s.StopID] = s
	}
	resources := map[string]domain.Resource{}
	for _, r := range in.Snapshot.Resources {
		resources[r.ResourceID] = r
	}
	var offenders []string
	for _, a := range in.Assignments {
		stop, okS := stops[a.StopID]
		res, okR := resources[a.ResourceID]
		if !okS || !okR {
			offenders = append(offenders, a.StopID)
			continue
		}
		if !solver.HasSkills(res.Skills, stop.RequiredSkills) {
			offenders = append(offenders, a.StopID)
		}
	}
	status := domain.CheckPass
	if len(offenders) > 0 {
		status = domain.CheckFail
	}
	return CheckResult{Status: status, Offenders: offenders}
}

// checkCapacity fails resources whose total assigned load exceeds capacity.
func checkCapacity(in AuditInput) CheckResult {
	capacity := map[string]int{}
	for _, r := range in.Snapshot.Resources {
		capacity[r.ResourceID] = r.Capacity
	}
	load := map[string]int{}
	for _, a := range in.Assignments {
		load[a.ResourceID] += a.Load
	}
	var offenders []string
	for resID, used := range load {
		if used > capacity[resID] {
			offenders = append(offenders, resID)
		}
	}
	status := domain.CheckPass
	if len(offenders) > 0 {
		status = domain.CheckFail
	}
	return CheckResult{Status: status, Offenders: offenders}
}

// checkSiteMatch fails assignments pairing a stop and a resource from
// different sites.
func checkSiteMatch(in AuditInput) CheckResult {
	stopSite := map[string]string{}
	for _, s := range in.Snapshot.Stops {
		stopSite[s.StopID] = s.SiteID
	}
	resSite := map[string]string{}
	for _, r := range in.Snapshot.Resources {
		resSite[r.ResourceID] = r.SiteID
	}
	var offenders []string
	for _, a := range in.Assignments {
		if stopSite[a.StopID] != resSite[a.ResourceID] || a.SiteID != stopSite[a.StopID] {
			offenders = append(offenders, a.StopID)
		}
	}
	status := domain.CheckPass
	if len(offenders) > 0 {
		status = domain.CheckFail
	}
	return CheckResult{Status: status, Offenders: offenders}
}

// checkFreezeConsistency fails when a frozen stop has no assignment in the
// plan: freezing pins an assignment, so its disappearance means the plan
// was mutated around the pin.
func checkFreezeConsistency(in AuditInput) CheckResult {
	if len(in.FrozenStops) == 0 {
		return CheckResult{Status: domain.CheckPass}
	}
	present := map[string]bool{}
	for _, a := range in.Assignments {
		present[a.StopID] = true
	}
	var offenders []string
	for stopID := range in.FrozenStops {
		if !present[stopID] {
			offenders = append(offenders, stopID)
		}
	}
	status := domain.CheckPass
	if len(offenders) > 0 {
		status = domain.CheckFail
	}
	return CheckResult{Status: status, Offenders: offenders}
}
