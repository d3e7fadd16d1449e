package repo

import (
	"context"
	"database/sql"

	"planlock/internal/domain"
)

func (r Repo) InsertSolveJobTx(ctx context.Context, tx *sql.Tx, j domain.SolveJob) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO solve_jobs(id,plan_id,status,error,created_at,started_at,finished_at) VALUES (?,?,?,?,?,?,?)`,
		j.ID, j.PlanID, j.Status, nullable(j.Error), j.CreatedAt, nullablePtr(j.StartedAt), nullablePtr(j.FinishedAt))
	return err
}

func (r Repo) GetSolveJob(ctx context.Context, id string) (domain.SolveJob, error) {
	var j domain.SolveJob
	var errMsg, startedAt, finishedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,plan_id,status,error,created_at,started_at,finished_at FROM solve_jobs WHERE id=?`, id).
		Scan(&j.ID, &j.PlanID, &j.Status, &errMsg, &j.CreatedAt, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if errMsg.Valid {
		j.Error = errMsg.String
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.String
	}
	if finishedAt.Valid {
		j.FinishedAt = &finishedAt.String
	}
	return j, nil
}

// TransitionSolveJob moves a job from one status to another atomically.
// Returns false when the job was not in the expected status, which is how
// a cancellation beats a worker to the job (and vice versa).
func (r Repo) TransitionSolveJob(ctx context.Context, id string, from, to domain.JobStatus, errMsg, at string) (bool, error) {
	var res sql.Result
	var err error
	switch to {
	case domain.JobRunning:
		res, err = r.DB.ExecContext(ctx, `UPDATE solve_jobs SET status=?, started_at=? WHERE id=? AND status=?`, to, at, id, from)
	case domain.JobDone, domain.JobFailed, domain.JobCancelled:
		res, err = r.DB.ExecContext(ctx, `UPDATE solve_jobs SET status=?, error=?, finished_at=? WHERE id=? AND status=?`, to, nullable(errMsg), at, id, from)
	default:
		res, err = r.DB.ExecContext(ctx, `UPDATE solve_jobs SET status=? WHERE id=? AND status=?`, to, id, from)
	}
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected == 1, nil
}
