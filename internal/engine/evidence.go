package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"

	"planlock/internal/canonical"
	"planlock/internal/domain"
	"planlock/internal/repo"
)

// chainHash binds the four component hashes into the evidence hash. The
// concatenation order is fixed; changing it invalidates every stored
// record.
func chainHash(inputHash, matrixHash, outputHash, auditDigest string) string {
	sum := sha256.Sum256([]byte(inputHash + matrixHash + outputHash + auditDigest))
	return hex.EncodeToString(sum[:])
}

// matrixHash covers the solver parameters that shaped the outcome: the
// seed, the config hash stamped at solve time, and the tenant's solver
// policy.
func (e Engine) matrixHash(ctx context.Context, p domain.Plan) (string, error) {
	cfg, err := e.tenantConfig(ctx, p.TenantID)
	if err != nil {
		return "", err
	}
	return canonical.Hash(map[string]any{
		"seed":               p.Seed,
		"solver_config_hash": p.SolverConfigHash,
		"time_budget_s":      cfg.Solver.TimeBudgetSeconds,
	})
}

// auditDigest hashes the latest audit run's results in their stable order.
func (e Engine) auditDigest(ctx context.Context, planID string) (string, error) {
	results, err := e.Repo.LatestAuditResults(ctx, planID)
	if err != nil {
		return "", err
	}
	type entry struct {
		Check     string   `json:"check"`
		Status    string   `json:"status"`
		Count     int      `json:"count"`
		Offenders []string `json:"offenders,omitempty"`
	}
	entries := make([]entry, 0, len(results))
	for _, r := range results {
		entries = append(entries, entry{Check: r.CheckName, Status: string(r.Status), Count: r.ViolationCount, Offenders: r.Offenders})
	}
	return canonical.Hash(entries)
}

// outputHash covers the plan's assignments and nothing else.
func (e Engine) outputHash(ctx context.Context, planID string) (string, error) {
	assignments, err := e.Repo.ListAssignments(ctx, planID)
	if err != nil {
		return "", err
	}
	return canonical.Hash(assignments)
}

// scenarioInputHash recomputes the input hash over the scenario's current
// rows. Equal to the stored hash unless the inputs were tampered with.
func (e Engine) scenarioInputHash(ctx context.Context, scenarioID string) (string, error) {
	sc, err := e.Repo.GetScenario(ctx, scenarioID)
	if err != nil {
		return "", err
	}
	// The stored hash was taken before the status flip, so normalize.
	sc.Status = domain.ScenarioOpen
	sc.InputHash = ""
	snap, err := e.snapshotOf(ctx, sc)
	if err != nil {
		return "", err
	}
	return inputHash(snap)
}

// buildEvidenceTx seals a just-locked plan: each component hash is taken
// from current state and chained. Inserting twice for a plan fails on the
// primary key, which is intended; evidence is written once.
func (e Engine) buildEvidenceTx(ctx context.Context, tx *sql.Tx, p domain.Plan) (domain.EvidenceRecord, error) {
	sc, err := e.Repo.GetScenario(ctx, p.ScenarioID)
	if err != nil {
		return domain.EvidenceRecord{}, err
	}
	matrix, err := e.matrixHash(ctx, p)
	if err != nil {
		return domain.EvidenceRecord{}, err
	}
	output, err := e.outputHash(ctx, p.ID)
	if err != nil {
		return domain.EvidenceRecord{}, err
	}
	digest, err := e.auditDigest(ctx, p.ID)
	if err != nil {
		return domain.EvidenceRecord{}, err
	}
	rec := domain.EvidenceRecord{
		PlanID:       p.ID,
		InputHash:    sc.InputHash,
		MatrixHash:   matrix,
		OutputHash:   output,
		AuditDigest:  digest,
		EvidenceHash: chainHash(sc.InputHash, matrix, output, digest),
		CreatedAt:    e.nowStr(),
	}
	if err := e.Repo.InsertEvidenceTx(ctx, tx, rec); err != nil {
		return domain.EvidenceRecord{}, domain.EWrap(domain.CodeInternal, err, "seal evidence")
	}
	return rec, nil
}

// HashMismatch names one evidence component whose recomputed value drifted
// from the sealed one.
type HashMismatch struct {
	Component string `json:"component"`
	Stored    string `json:"stored"`
	Computed  string `json:"computed"`
}

// VerifyReport is the outcome of an evidence verification.
type VerifyReport struct {
	PlanID     string         `json:"plan_id"`
	Verdict    string         `json:"verdict" enum:"OK,DRIFT"`
	Mismatches []HashMismatch `json:"mismatches,omitempty"`
}

// VerifyEvidence recomputes every component hash from current state and
// compares against the sealed record. Any difference is DRIFT: either the
// data was tampered with or a migration rewrote rows it must not touch.
func (e Engine) VerifyEvidence(ctx context.Context, tenantID, planID string) (VerifyReport, error) {
	p, err := e.GetPlanScoped(ctx, tenantID, planID)
	if err != nil {
		return VerifyReport{}, err
	}
	rec, err := e.Repo.GetEvidence(ctx, planID)
	if errors.Is(err, repo.ErrNotFound) {
		return VerifyReport{}, domain.E(domain.CodeNotFound, "plan %s has no sealed evidence", planID)
	}
	if err != nil {
		return VerifyReport{}, err
	}

	input, err := e.scenarioInputHash(ctx, p.ScenarioID)
	if err != nil {
		return VerifyReport{}, err
	}
	matrix, err := e.matrixHash(ctx, p)
	if err != nil {
		return VerifyReport{}, err
	}
	output, err := e.outputHash(ctx, planID)
	if err != nil {
		return VerifyReport{}, err
	}
	digest, err := e.auditDigest(ctx, planID)
	if err != nil {
		return VerifyReport{}, err
	}

	report := VerifyReport{PlanID: planID, Verdict: "OK"}
	compare := func(component, stored, computed string) {
		if stored != computed {
			report.Mismatches = append(report.Mismatches, HashMismatch{Component: component, Stored: stored, Computed: computed})
		}
	}
	compare("input_hash", rec.InputHash, input)
	compare("matrix_hash", rec.MatrixHash, matrix)
	compare("output_hash", rec.OutputHash, output)
	compare("audit_digest", rec.AuditDigest, digest)
	compare("evidence_hash", rec.EvidenceHash, chainHash(input, matrix, output, digest))
	if len(report.Mismatches) > 0 {
		report.Verdict = "DRIFT"
	}
	return report, nil
}

// exportBundle assembles the canonical evidence bundle for a plan: the
// sealed record plus the material it covers.
func (e Engine) exportBundle(ctx context.Context, p domain.Plan) ([]byte, error) {
	sc, err := e.Repo.GetScenario(ctx, p.ScenarioID)
	if err != nil {
		return nil, err
	}
	snap, err := e.snapshotOf(ctx, sc)
	if err != nil {
		return nil, err
	}
	assignments, err := e.Repo.ListAssignments(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	audits, err := e.Repo.LatestAuditResults(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	marks, err := e.Repo.ListFreezeMarks(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	bundle := map[string]any{
		"plan":          p,
		"scenario":      snap.Scenario,
		"stops":         snap.Stops,
		"resources":     snap.Resources,
		"assignments":   assignments,
		"audit_results": audits,
		"freeze_marks":  marks,
	}
	if rec, err := e.Repo.GetEvidence(ctx, p.ID); err == nil {
		bundle["evidence"] = rec
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	return canonical.Marshal(bundle)
}

// ExportEvidence returns the bundle and, when an archiver is configured,
// uploads it to object storage. The returned key is empty without one.
func (e Engine) ExportEvidence(ctx context.Context, tenantID, planID string) ([]byte, string, error) {
	p, err := e.GetPlanScoped(ctx, tenantID, planID)
	if err != nil {
		return nil, "", err
	}
	bundle, err := e.exportBundle(ctx, p)
	if err != nil {
		return nil, "", err
	}
	var key string
	if e.Archiver != nil {
		key, err = e.Archiver.ArchiveBundle(ctx, planID, bundle)
		if err != nil {
			return nil, "", domain.EWrap(domain.CodeInternal, err, "archive evidence bundle")
		}
	}
	return bundle, key, nil
}
