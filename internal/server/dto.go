package server

import (
	"planlock/internal/domain"
	"planlock/internal/engine"
)

// --- requests ---

type StopInput struct {
	StopID         string   `json:"stop_id" minLength:"1"`
	SiteID         string   `json:"site_id" minLength:"1"`
	Earliest       string   `json:"earliest" format:"date-time"`
	Latest         string   `json:"latest" format:"date-time"`
	DurationMin    int      `json:"duration_min" minimum:"1"`
	RequiredSkills []string `json:"required_skills,omitempty"`
	Demand         int      `json:"demand" minimum:"1"`
}

type ResourceInput struct {
	ResourceID string   `json:"resource_id" minLength:"1"`
	SiteID     string   `json:"site_id" minLength:"1"`
	Skills     []string `json:"skills,omitempty"`
	Capacity   int      `json:"capacity" minimum:"1"`
	ShiftStart string   `json:"shift_start" format:"date-time"`
	ShiftEnd   string   `json:"shift_end" format:"date-time"`
}

type CreateScenarioRequest struct {
	ID        string          `json:"id,omitempty"`
	SiteID    string          `json:"site_id" minLength:"1"`
	Vertical  string          `json:"vertical" enum:"route,roster"`
	PlanDate  string          `json:"plan_date" minLength:"1"`
	Stops     []StopInput     `json:"stops" minItems:"1"`
	Resources []ResourceInput `json:"resources" minItems:"1"`
}

type SolveRequest struct {
	Seed int64 `json:"seed,omitempty"`
}

type LockRequest struct {
	Override bool   `json:"override,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type FreezeRequest struct {
	StopIDs []string `json:"stop_ids" minItems:"1"`
	Reason  string   `json:"reason" minLength:"1"`
}

type RepairEventRequest struct {
	EventType   string   `json:"event_type" enum:"NO_SHOW,VEHICLE_DOWN,DELAY,MANUAL"`
	AffectedIDs []string `json:"affected_ids" minItems:"1"`
}

type ApplyRepairRequest struct {
	Override bool   `json:"override,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type PublishRequest struct {
	FreezeUntil string `json:"freeze_until,omitempty" format:"date-time"`
}

// --- responses ---

type ScenarioResponse struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	SiteID    string `json:"site_id"`
	Vertical  string `json:"vertical"`
	PlanDate  string `json:"plan_date"`
	Status    string `json:"status"`
	InputHash string `json:"input_hash,omitempty"`
	CreatedAt string `json:"created_at"`
	Stops     int    `json:"stop_count"`
	Resources int    `json:"resource_count"`
}

type PlanResponse struct {
	ID           string             `json:"id"`
	ScenarioID   string             `json:"scenario_id"`
	TenantID     string             `json:"tenant_id"`
	SiteID       string             `json:"site_id"`
	Version      int                `json:"version"`
	Status       domain.PlanStatus  `json:"status"`
	FreezeBadge  domain.FreezeBadge `json:"freeze_badge"`
	Seed         int64              `json:"seed"`
	OutputHash   string             `json:"output_hash,omitempty"`
	LockedAt     *string            `json:"locked_at,omitempty"`
	LockedBy     *string            `json:"locked_by,omitempty"`
	LockReason   *string            `json:"lock_reason,omitempty"`
	ParentPlanID *string            `json:"parent_plan_id,omitempty"`
	CreatedAt    string             `json:"created_at"`
	UpdatedAt    string             `json:"updated_at"`
}

type SolveAcceptedResponse struct {
	PlanID  string `json:"plan_id"`
	JobID   string `json:"job_id"`
	Version int    `json:"version"`
}

type JobResponse struct {
	ID         string  `json:"id"`
	PlanID     string  `json:"plan_id"`
	Status     string  `json:"status"`
	Error      string  `json:"error,omitempty"`
	CreatedAt  string  `json:"created_at"`
	StartedAt  *string `json:"started_at,omitempty"`
	FinishedAt *string `json:"finished_at,omitempty"`
}

type AuditResponse struct {
	RunID   string               `json:"run_id"`
	PlanID  string               `json:"plan_id"`
	Status  domain.PlanStatus    `json:"status"`
	Verdict domain.Verdict       `json:"verdict"`
	Results []domain.AuditResult `json:"results"`
}

type FreezeStateResponse struct {
	PlanID string              `json:"plan_id"`
	Badge  domain.FreezeBadge  `json:"badge"`
	Marks  []domain.FreezeMark `json:"marks"`
}

type ApplyRepairResponse struct {
	BasePlanID   string            `json:"base_plan_id"`
	ResultPlanID string            `json:"result_plan_id"`
	Version      int               `json:"version"`
	Status       domain.PlanStatus `json:"status"`
	ReAudit      AuditResponse     `json:"re_audit"`
}

type EvidenceExportResponse struct {
	PlanID     string `json:"plan_id"`
	Bundle     any    `json:"bundle"`
	ArchiveKey string `json:"archive_key,omitempty"`
}

func scenarioResponse(sc domain.Scenario, stopCount, resourceCount int) ScenarioResponse {
	return ScenarioResponse{
		ID:        sc.ID,
		TenantID:  sc.TenantID,
		SiteID:    sc.SiteID,
		Vertical:  sc.Vertical,
		PlanDate:  sc.PlanDate,
		Status:    sc.Status,
		InputHash: sc.InputHash,
		CreatedAt: sc.CreatedAt,
		Stops:     stopCount,
		Resources: resourceCount,
	}
}

func planResponse(p domain.Plan, badge domain.FreezeBadge) PlanResponse {
	return PlanResponse{
		ID:           p.ID,
		ScenarioID:   p.ScenarioID,
		TenantID:     p.TenantID,
		SiteID:       p.SiteID,
		Version:      p.Version,
		Status:       p.Status,
		FreezeBadge:  badge,
		Seed:         p.Seed,
		OutputHash:   p.OutputHash,
		LockedAt:     p.LockedAt,
		LockedBy:     p.LockedBy,
		LockReason:   p.LockReason,
		ParentPlanID: p.ParentPlanID,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

func jobResponse(j domain.SolveJob) JobResponse {
	return JobResponse{
		ID:         j.ID,
		PlanID:     j.PlanID,
		Status:     string(j.Status),
		Error:      j.Error,
		CreatedAt:  j.CreatedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
	}
}

func auditResponse(out engine.AuditOutcome) AuditResponse {
	return AuditResponse{
		RunID:   out.RunID,
		PlanID:  out.PlanID,
		Status:  out.Status,
		Verdict: out.Verdict,
		Results: out.Results,
	}
}

func stopsFromInput(scenarioID string, in []StopInput) []domain.Stop {
	out := make([]domain.Stop, 0, len(in))
	for _, s := range in {
		out = append(out, domain.Stop{
			ScenarioID:     scenarioID,
			StopID:         s.StopID,
			SiteID:         s.SiteID,
			Earliest:       s.Earliest,
			Latest:         s.Latest,
			DurationMin:    s.DurationMin,
			RequiredSkills: s.RequiredSkills,
			Demand:         s.Demand,
		})
	}
	return out
}

func resourcesFromInput(scenarioID string, in []ResourceInput) []domain.Resource {
	out := make([]domain.Resource, 0, len(in))
	for _, r := range in {
		out = append(out, domain.Resource{
			ScenarioID: scenarioID,
			ResourceID: r.ResourceID,
			SiteID:     r.SiteID,
			Skills:     r.Skills,
			Capacity:   r.Capacity,
			ShiftStart: r.ShiftStart,
			ShiftEnd:   r.ShiftEnd,
		})
	}
	return out
}
