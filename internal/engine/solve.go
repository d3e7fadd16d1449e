package engine

import (
	"context"

	"github.com/google/uuid"

	"planlock/internal/canonical"
	"planlock/internal/domain"
	"planlock/internal/events"
)

// SolveOptions are parameters for starting a solve.
type SolveOptions struct {
	TenantID   string
	SiteID     string
	ScenarioID string
	Seed       int64
	ActorID    string
}

// SolveStarted is returned by StartSolve.
type SolveStarted struct {
	PlanID  string `json:"plan_id"`
	JobID   string `json:"job_id"`
	Version int    `json:"version"`
}

// StartSolve creates a new plan version for the scenario and queues the
// asynchronous solve. The scope gate is held only for the synchronous
// part: snapshotting the inputs and flipping the scenario to frozen so a
// concurrent import cannot change what the solver reads.
func (e Engine) StartSolve(ctx context.Context, opts SolveOptions) (SolveStarted, error) {
	sc, err := e.GetScenario(ctx, opts.TenantID, opts.ScenarioID)
	if err != nil {
		return SolveStarted{}, err
	}
	if sc.SiteID != opts.SiteID {
		return SolveStarted{}, domain.E(domain.CodeValidation, "scenario %s belongs to site %s", opts.ScenarioID, sc.SiteID)
	}
	cfg, err := e.tenantConfig(ctx, opts.TenantID)
	if err != nil {
		return SolveStarted{}, err
	}

	gate, err := e.AcquireGate(ctx, opts.TenantID, opts.SiteID, opts.ScenarioID, opts.ActorID, cfg.GateMaxWait())
	if err != nil {
		return SolveStarted{}, err
	}
	defer func() { _ = e.ReleaseGate(ctx, gate) }()

	snap, err := e.snapshotOf(ctx, sc)
	if err != nil {
		return SolveStarted{}, err
	}
	inHash, err := inputHash(snap)
	if err != nil {
		return SolveStarted{}, domain.EWrap(domain.CodeInternal, err, "hash inputs")
	}
	solverHash, err := canonical.Hash(map[string]any{"algorithm": "greedy", "time_budget_s": cfg.Solver.TimeBudgetSeconds})
	if err != nil {
		return SolveStarted{}, domain.EWrap(domain.CodeInternal, err, "hash solver config")
	}
	version, err := e.Repo.LatestPlanVersion(ctx, opts.ScenarioID)
	if err != nil {
		return SolveStarted{}, err
	}

	now := e.nowStr()
	plan := domain.Plan{
		ID:               uuid.New().String(),
		ScenarioID:       opts.ScenarioID,
		TenantID:         opts.TenantID,
		SiteID:           opts.SiteID,
		Version:          version + 1,
		Status:           domain.StatusImported,
		Seed:             opts.Seed,
		SolverConfigHash: solverHash,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	job := domain.SolveJob{
		ID:        uuid.New().String(),
		PlanID:    plan.ID,
		Status:    domain.JobQueued,
		CreatedAt: now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SolveStarted{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertPlanTx(ctx, tx, plan); err != nil {
		return SolveStarted{}, domain.EWrap(domain.CodeInternal, err, "insert plan")
	}
	if _, err := e.transitionPlanTx(ctx, tx, plan.ID, domain.StatusSnapshotted, nil); err != nil {
		return SolveStarted{}, err
	}
	if _, err := e.transitionPlanTx(ctx, tx, plan.ID, domain.StatusSolving, nil); err != nil {
		return SolveStarted{}, err
	}
	if err := e.Repo.SetScenarioStatusTx(ctx, tx, sc.ID, domain.ScenarioFrozen, inHash); err != nil {
		return SolveStarted{}, domain.EWrap(domain.CodeInternal, err, "freeze scenario inputs")
	}
	if err := e.Repo.InsertSolveJobTx(ctx, tx, job); err != nil {
		return SolveStarted{}, domain.EWrap(domain.CodeInternal, err, "insert solve job")
	}
	if err := e.Events.Append(ctx, tx, "solve.started", opts.TenantID, "plan", plan.ID, opts.ActorID, events.EventPayload{
		"job_id": job.ID, "version": plan.Version, "seed": opts.Seed,
	}); err != nil {
		return SolveStarted{}, err
	}
	if err := tx.Commit(); err != nil {
		return SolveStarted{}, err
	}
	return SolveStarted{PlanID: plan.ID, JobID: job.ID, Version: plan.Version}, nil
}

// RunSolveJob executes a queued job to completion. Callers run it on a
// goroutine; the engine itself stays synchronous so tests can drive jobs
// deterministically. A cancel that lands first wins the QUEUED->RUNNING
// race and the job never starts.
func (e Engine) RunSolveJob(ctx context.Context, jobID string) error {
	job, err := e.Repo.GetSolveJob(ctx, jobID)
	if err != nil {
		return err
	}
	ok, err := e.Repo.TransitionSolveJob(ctx, jobID, domain.JobQueued, domain.JobRunning, "", e.nowStr())
	if err != nil {
		return err
	}
	if !ok {
		// Cancelled or already picked up.
		return nil
	}
	p, err := e.Repo.GetPlan(ctx, job.PlanID)
	if err != nil {
		return e.failSolve(ctx, jobID, job.PlanID, err.Error())
	}
	sc, err := e.Repo.GetScenario(ctx, p.ScenarioID)
	if err != nil {
		return e.failSolve(ctx, jobID, job.PlanID, err.Error())
	}
	snap, err := e.snapshotOf(ctx, sc)
	if err != nil {
		return e.failSolve(ctx, jobID, job.PlanID, err.Error())
	}
	cfg, err := e.tenantConfig(ctx, p.TenantID)
	if err != nil {
		return e.failSolve(ctx, jobID, job.PlanID, err.Error())
	}

	result, err := e.Solver.Solve(ctx, snap, p.Seed, cfg.SolverBudget())
	if err != nil {
		return e.failSolve(ctx, jobID, job.PlanID, err.Error())
	}

	assignments := make([]domain.Assignment, 0, len(result.Assignments))
	for _, a := range result.Assignments {
		assignments = append(assignments, domain.Assignment{
			PlanID:     p.ID,
			StopID:     a.StopID,
			ResourceID: a.ResourceID,
			SiteID:     a.SiteID,
			StartAt:    a.StartAt,
			EndAt:      a.EndAt,
			Load:       a.Load,
		})
	}
	outHash, err := canonical.Hash(assignments)
	if err != nil {
		return e.failSolve(ctx, jobID, job.PlanID, err.Error())
	}

	// Cancellation checkpoint: the RUNNING->DONE flip loses to a cancel
	// that landed mid-solve, in which case the plan output is discarded.
	ok, err = e.Repo.TransitionSolveJob(ctx, jobID, domain.JobRunning, domain.JobDone, "", e.nowStr())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAssignmentsTx(ctx, tx, assignments); err != nil {
		return err
	}
	if _, err := e.transitionPlanTx(ctx, tx, p.ID, domain.StatusSolved, func(pl *domain.Plan) {
		pl.OutputHash = outHash
	}); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "solve.finished", p.TenantID, "plan", p.ID, "solver", events.EventPayload{
		"job_id": jobID, "assigned": result.Stats.AssignedCount, "unassigned": result.Stats.UnassignedCount,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// failSolve records a solve failure on both the job and the plan.
func (e Engine) failSolve(ctx context.Context, jobID, planID, msg string) error {
	if _, err := e.Repo.TransitionSolveJob(ctx, jobID, domain.JobRunning, domain.JobFailed, msg, e.nowStr()); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	p, err := e.transitionPlanTx(ctx, tx, planID, domain.StatusFailed, nil)
	if err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "solve.failed", p.TenantID, "plan", planID, "solver", events.EventPayload{
		"job_id": jobID, "error": msg,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// CancelSolve cancels a queued or running job. The CAS against the job row
// decides the race with the worker: whichever side transitions first wins,
// and a finished job cannot be cancelled.
func (e Engine) CancelSolve(ctx context.Context, tenantID, jobID, actorID string) (domain.SolveJob, error) {
	job, err := e.Repo.GetSolveJob(ctx, jobID)
	if err != nil {
		return job, err
	}
	p, err := e.GetPlanScoped(ctx, tenantID, job.PlanID)
	if err != nil {
		return job, err
	}
	now := e.nowStr()
	cancelled := false
	for _, from := range []domain.JobStatus{domain.JobQueued, domain.JobRunning} {
		ok, err := e.Repo.TransitionSolveJob(ctx, jobID, from, domain.JobCancelled, "cancelled by "+actorID, now)
		if err != nil {
			return job, err
		}
		if ok {
			cancelled = true
			break
		}
	}
	if !cancelled {
		return job, domain.E(domain.CodeConflict, "job %s is %s and cannot be cancelled", jobID, job.Status)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return job, err
	}
	defer tx.Rollback()
	if _, err := e.transitionPlanTx(ctx, tx, p.ID, domain.StatusFailed, nil); err != nil {
		return job, err
	}
	if err := e.Events.Append(ctx, tx, "solve.cancelled", tenantID, "plan", p.ID, actorID, events.EventPayload{"job_id": jobID}); err != nil {
		return job, err
	}
	if err := tx.Commit(); err != nil {
		return job, err
	}
	return e.Repo.GetSolveJob(ctx, jobID)
}

// Resolve re-runs the solver for a plan chain that failed audit: the plan
// moves AUDIT_FAIL/AUDIT_WARN -> SOLVING, its assignments are replaced,
// and the audit must be run again.
func (e Engine) Resolve(ctx context.Context, tenantID, planID string, seed int64, actorID string) (SolveStarted, error) {
	p, err := e.GetPlanScoped(ctx, tenantID, planID)
	if err != nil {
		return SolveStarted{}, err
	}
	if p.Status != domain.StatusAuditFail && p.Status != domain.StatusAuditWarn {
		return SolveStarted{}, domain.E(domain.CodeConflict, "plan %s is %s; re-solving requires a failed or warned audit", planID, p.Status)
	}

	now := e.nowStr()
	job := domain.SolveJob{ID: uuid.New().String(), PlanID: planID, Status: domain.JobQueued, CreatedAt: now}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SolveStarted{}, err
	}
	defer tx.Rollback()
	if _, err := e.transitionPlanTx(ctx, tx, planID, domain.StatusSolving, func(pl *domain.Plan) {
		pl.Seed = seed
		pl.OutputHash = ""
	}); err != nil {
		return SolveStarted{}, err
	}
	if err := e.Repo.DeleteAssignmentsTx(ctx, tx, planID); err != nil {
		return SolveStarted{}, err
	}
	if err := e.Repo.InsertSolveJobTx(ctx, tx, job); err != nil {
		return SolveStarted{}, err
	}
	if err := e.Events.Append(ctx, tx, "solve.restarted", tenantID, "plan", planID, actorID, events.EventPayload{
		"job_id": job.ID, "seed": seed,
	}); err != nil {
		return SolveStarted{}, err
	}
	if err := tx.Commit(); err != nil {
		return SolveStarted{}, err
	}
	return SolveStarted{PlanID: planID, JobID: job.ID, Version: p.Version}, nil
}
