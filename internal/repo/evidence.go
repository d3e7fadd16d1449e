package repo

import (
	"context"
	"database/sql"

	"planlock/internal/domain"
)

func (r Repo) InsertEvidenceTx(ctx context.Context, tx *sql.Tx, e domain.EvidenceRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO evidence_records(plan_id,input_hash,matrix_hash,output_hash,audit_digest,evidence_hash,created_at) VALUES (?,?,?,?,?,?,?)`,
		e.PlanID, e.InputHash, e.MatrixHash, e.OutputHash, e.AuditDigest, e.EvidenceHash, e.CreatedAt)
	return err
}

func (r Repo) GetEvidence(ctx context.Context, planID string) (domain.EvidenceRecord, error) {
	var e domain.EvidenceRecord
	err := r.DB.QueryRowContext(ctx, `SELECT plan_id,input_hash,matrix_hash,output_hash,audit_digest,evidence_hash,created_at FROM evidence_records WHERE plan_id=?`, planID).
		Scan(&e.PlanID, &e.InputHash, &e.MatrixHash, &e.OutputHash, &e.AuditDigest, &e.EvidenceHash, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}
