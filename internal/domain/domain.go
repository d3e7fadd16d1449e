package domain

// PlanStatus is the lifecycle state of a plan version.
type PlanStatus string

const (
	StatusImported    PlanStatus = "IMPORTED"
	StatusSnapshotted PlanStatus = "SNAPSHOTTED"
	StatusSolving     PlanStatus = "SOLVING"
	StatusSolved      PlanStatus = "SOLVED"
	StatusFailed      PlanStatus = "FAILED"
	StatusAuditPass   PlanStatus = "AUDIT_PASS"
	StatusAuditWarn   PlanStatus = "AUDIT_WARN"
	StatusAuditFail   PlanStatus = "AUDIT_FAIL"
	StatusLocked      PlanStatus = "LOCKED"
	StatusRepairing   PlanStatus = "REPAIRING"
	StatusRepaired    PlanStatus = "REPAIRED"
	StatusReAudit     PlanStatus = "RE_AUDIT"
	StatusReLocked    PlanStatus = "RE_LOCKED"
	StatusSuperseded  PlanStatus = "SUPERSEDED"
)

// planTransitions is the only source of truth for allowed status edges.
// FROZEN is intentionally absent: the freeze badge is derived from freeze
// marks, not a primary status.
var planTransitions = map[PlanStatus][]PlanStatus{
	StatusImported:    {StatusSnapshotted},
	StatusSnapshotted: {StatusSolving},
	StatusSolving:     {StatusSolved, StatusFailed},
	StatusSolved:      {StatusAuditPass, StatusAuditWarn, StatusAuditFail},
	StatusAuditFail:   {StatusSolving, StatusSuperseded},
	StatusAuditPass:   {StatusLocked},
	StatusAuditWarn:   {StatusLocked, StatusSolving, StatusSuperseded},
	StatusLocked:      {StatusRepairing, StatusSuperseded},
	StatusRepairing:   {StatusRepaired, StatusFailed},
	StatusRepaired:    {StatusReAudit},
	StatusReAudit:     {StatusReLocked, StatusAuditFail},
	StatusReLocked:    {StatusRepairing, StatusSuperseded},
}

// CanTransition reports whether from -> to is an allowed plan status edge.
func CanTransition(from, to PlanStatus) bool {
	for _, next := range planTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Lockable reports whether a plan in the given status may be locked.
func Lockable(s PlanStatus) bool {
	return s == StatusAuditPass || s == StatusAuditWarn
}

// RequiresLockOverride reports whether locking from this status needs an
// explicit reasoned override.
func RequiresLockOverride(s PlanStatus) bool {
	return s == StatusAuditWarn
}

// Repairable reports whether a plan may serve as the base of a repair.
func Repairable(s PlanStatus) bool {
	return s == StatusLocked || s == StatusReLocked
}

// CheckStatus is the outcome of a single audit check.
type CheckStatus string

const (
	CheckPass CheckStatus = "PASS"
	CheckWarn CheckStatus = "WARN"
	CheckFail CheckStatus = "FAIL"
)

// Verdict classifies an audit run or a repair preview.
type Verdict string

const (
	VerdictOK    Verdict = "OK"
	VerdictWarn  Verdict = "WARN"
	VerdictBlock Verdict = "BLOCK"
)

// RepairEventType classifies the disruption driving a repair.
type RepairEventType string

const (
	RepairNoShow      RepairEventType = "NO_SHOW"
	RepairVehicleDown RepairEventType = "VEHICLE_DOWN"
	RepairDelay       RepairEventType = "DELAY"
	RepairManual      RepairEventType = "MANUAL"
)

// ValidRepairEventType reports whether t is a known disruption type.
func ValidRepairEventType(t RepairEventType) bool {
	switch t {
	case RepairNoShow, RepairVehicleDown, RepairDelay, RepairManual:
		return true
	}
	return false
}

// JobStatus is the state of an asynchronous solve job.
type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobDone      JobStatus = "DONE"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// FreezeBadge is the derived freeze coverage of a plan.
type FreezeBadge string

const (
	FreezeNone    FreezeBadge = "none"
	FreezePartial FreezeBadge = "partial"
	FreezeFull    FreezeBadge = "full"
)

const (
	ScenarioOpen   = "open"
	ScenarioFrozen = "frozen"
)

// Scenario is a tenant/site-scoped planning input. Immutable once any plan
// has been solved against it.
type Scenario struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	SiteID    string `json:"site_id"`
	Vertical  string `json:"vertical" enum:"route,roster"`
	PlanDate  string `json:"plan_date"`
	InputHash string `json:"input_hash,omitempty"`
	Status    string `json:"status" enum:"open,frozen"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Stop is one unit of demand to cover (a stop or a tour leg).
type Stop struct {
	ScenarioID     string   `json:"scenario_id"`
	StopID         string   `json:"stop_id"`
	SiteID         string   `json:"site_id"`
	Earliest       string   `json:"earliest" format:"date-time"`
	Latest         string   `json:"latest" format:"date-time"`
	DurationMin    int      `json:"duration_min"`
	RequiredSkills []string `json:"required_skills,omitempty"`
	Demand         int      `json:"demand"`
}

// Resource is a driver, team, or vehicle that can serve stops.
type Resource struct {
	ScenarioID string   `json:"scenario_id"`
	ResourceID string   `json:"resource_id"`
	SiteID     string   `json:"site_id"`
	Skills     []string `json:"skills,omitempty"`
	Capacity   int      `json:"capacity"`
	ShiftStart string   `json:"shift_start" format:"date-time"`
	ShiftEnd   string   `json:"shift_end" format:"date-time"`
}

// Plan is one solve attempt's output plus lifecycle status. Versions of a
// scenario form an append-only chain linked through ParentPlanID.
type Plan struct {
	ID               string     `json:"id"`
	ScenarioID       string     `json:"scenario_id"`
	TenantID         string     `json:"tenant_id"`
	SiteID           string     `json:"site_id"`
	Version          int        `json:"version"`
	Status           PlanStatus `json:"status"`
	Seed             int64      `json:"seed"`
	SolverConfigHash string     `json:"solver_config_hash,omitempty"`
	OutputHash       string     `json:"output_hash,omitempty"`
	LockedAt         *string    `json:"locked_at,omitempty" format:"date-time"`
	LockedBy         *string    `json:"locked_by,omitempty"`
	LockReason       *string    `json:"lock_reason,omitempty"`
	ParentPlanID     *string    `json:"parent_plan_id,omitempty"`
	CreatedAt        string     `json:"created_at" format:"date-time"`
	UpdatedAt        string     `json:"updated_at" format:"date-time"`
}

// Assignment maps a resource to a stop for a plan version.
type Assignment struct {
	PlanID     string `json:"plan_id"`
	StopID     string `json:"stop_id"`
	ResourceID string `json:"resource_id"`
	SiteID     string `json:"site_id"`
	StartAt    string `json:"start_at" format:"date-time"`
	EndAt      string `json:"end_at" format:"date-time"`
	Load       int    `json:"load"`
}

// FreezeMark pins one assignment of a plan as immutable. Marks only grow;
// clearing requires a privileged actor and a reason, and the cleared row is
// retained for the trail.
type FreezeMark struct {
	PlanID      string  `json:"plan_id"`
	StopID      string  `json:"stop_id"`
	Reason      string  `json:"reason"`
	CreatedBy   string  `json:"created_by"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	ClearedAt   *string `json:"cleared_at,omitempty" format:"date-time"`
	ClearedBy   *string `json:"cleared_by,omitempty"`
	ClearReason *string `json:"clear_reason,omitempty"`
}

// Active reports whether the mark still pins its assignment.
func (f FreezeMark) Active() bool { return f.ClearedAt == nil }

// AuditResult is one check outcome for a plan version. Rows are never
// edited, only superseded by a later run.
type AuditResult struct {
	ID             string      `json:"id"`
	PlanID         string      `json:"plan_id"`
	RunID          string      `json:"run_id"`
	CheckName      string      `json:"check_name"`
	Status         CheckStatus `json:"status" enum:"PASS,WARN,FAIL"`
	ViolationCount int         `json:"violation_count"`
	Offenders      []string    `json:"offenders,omitempty"`
	AsOf           string      `json:"as_of" format:"date-time"`
	CreatedAt      string      `json:"created_at" format:"date-time"`
}

const (
	RepairEventOpen    = "open"
	RepairEventApplied = "applied"
)

// RepairEvent records a disruption against a locked plan.
type RepairEvent struct {
	ID           string          `json:"id"`
	PlanID       string          `json:"plan_id"`
	TenantID     string          `json:"tenant_id"`
	SiteID       string          `json:"site_id"`
	EventType    RepairEventType `json:"event_type" enum:"NO_SHOW,VEHICLE_DOWN,DELAY,MANUAL"`
	AffectedIDs  []string        `json:"affected_ids"`
	InitiatedBy  string          `json:"initiated_by"`
	InitiatedAt  string          `json:"initiated_at" format:"date-time"`
	ResultPlanID *string         `json:"result_plan_id,omitempty"`
	Status       string          `json:"status" enum:"open,applied"`
}

// RepairSummary quantifies the scope of a repair diff.
type RepairSummary struct {
	UncoveredBefore      int `json:"uncovered_before"`
	UncoveredAfter       int `json:"uncovered_after"`
	ChurnDriverCount     int `json:"churn_driver_count"`
	ChurnAssignmentCount int `json:"churn_assignment_count"`
}

// RepairViolation is one issue found while previewing a repair. Violations
// are data, not errors; only severity BLOCK prevents apply.
type RepairViolation struct {
	Kind     string   `json:"kind" enum:"overlap,rest,freeze,churn"`
	Severity string   `json:"severity" enum:"BLOCK,WARN"`
	Entities []string `json:"entities,omitempty"`
	Detail   string   `json:"detail,omitempty"`
}

// RepairDiff is the preview output of the repair engine. Frozen assignments
// never appear in any of the three lists.
type RepairDiff struct {
	Removed    []Assignment      `json:"removed"`
	Added      []Assignment      `json:"added"`
	Modified   []Assignment      `json:"modified"`
	Summary    RepairSummary     `json:"summary"`
	Violations []RepairViolation `json:"violations,omitempty"`
	Verdict    Verdict           `json:"verdict" enum:"OK,WARN,BLOCK"`
}

// RepairPreview is a stored preview session with a bounded validity window.
type RepairPreview struct {
	ID            string     `json:"id"`
	RepairEventID string     `json:"repair_event_id"`
	PlanID        string     `json:"plan_id"`
	Diff          RepairDiff `json:"diff"`
	Verdict       Verdict    `json:"verdict"`
	CreatedAt     string     `json:"created_at" format:"date-time"`
	ExpiresAt     string     `json:"expires_at" format:"date-time"`
}

// Snapshot is an immutable published copy of a plan.
type Snapshot struct {
	ID            string `json:"id"`
	PlanID        string `json:"plan_id"`
	TenantID      string `json:"tenant_id"`
	SiteID        string `json:"site_id"`
	VersionNumber int    `json:"version_number"`
	FreezeUntil   string `json:"freeze_until,omitempty" format:"date-time"`
	PayloadJSON   string `json:"payload_json"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

// EvidenceRecord binds a locked plan's inputs, configuration, outputs and
// audit results with content hashes. Immutable.
type EvidenceRecord struct {
	PlanID       string `json:"plan_id"`
	InputHash    string `json:"input_hash"`
	MatrixHash   string `json:"matrix_hash"`
	OutputHash   string `json:"output_hash"`
	AuditDigest  string `json:"audit_digest"`
	EvidenceHash string `json:"evidence_hash"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

const (
	IdemRunning = "RUNNING"
	IdemDone    = "DONE"
)

// IdempotencyRecord deduplicates a mutating call by caller key + payload
// fingerprint.
type IdempotencyRecord struct {
	TenantID     string `json:"tenant_id"`
	Key          string `json:"key"`
	Fingerprint  string `json:"fingerprint"`
	Status       string `json:"status" enum:"RUNNING,DONE"`
	ResponseJSON string `json:"response_json,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	ExpiresAt    string `json:"expires_at" format:"date-time"`
}

// SolveJob tracks one asynchronous solve run.
type SolveJob struct {
	ID         string    `json:"id"`
	PlanID     string    `json:"plan_id"`
	Status     JobStatus `json:"status" enum:"QUEUED,RUNNING,DONE,FAILED,CANCELLED"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  string    `json:"created_at" format:"date-time"`
	StartedAt  *string   `json:"started_at,omitempty" format:"date-time"`
	FinishedAt *string   `json:"finished_at,omitempty" format:"date-time"`
}

// ScopeLock is one held gate token for a (tenant, site, scenario) scope.
type ScopeLock struct {
	LockKey    string `json:"lock_key"`
	Token      string `json:"token"`
	TenantID   string `json:"tenant_id"`
	SiteID     string `json:"site_id"`
	ScenarioID string `json:"scenario_id"`
	Actor      string `json:"actor"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
}

// Event is one row of the append-only change log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TenantID   string `json:"tenant_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
