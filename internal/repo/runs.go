package repo

import (
	"context"
	"database/sql"

	"commitline/internal/db"
	"commitline/internal/domain"
)

// InsertRun claims the commitment. A second claim for the same
// (tenant_id, commitment_id) fails with a unique violation.
func (r Repo) InsertRun(ctx context.Context, q db.Querier, run domain.OrchestrationRun) error {
	_, err := q.ExecContext(ctx, r.q(`INSERT INTO orchestration_runs(id,tenant_id,commitment_id,status,chain_policy,deliverables,dependencies,actor_id,started_at) VALUES (?,?,?,?,?,?,?,?,?)`),
		run.ID, run.TenantID, run.CommitmentID, run.Status, run.ChainPolicy, run.Deliverables, run.Dependencies, nullableStringPtr(run.ActorID), run.StartedAt)
	return err
}

func (r Repo) CompleteRun(ctx context.Context, q db.Querier, id string, deliverables, dependencies int, completedAt string) error {
	res, err := q.ExecContext(ctx, r.q(`UPDATE orchestration_runs SET status='completed', deliverables=?, dependencies=?, completed_at=? WHERE id=?`),
		deliverables, dependencies, completedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRun(ctx context.Context, q db.Querier, tenantID, commitmentID string) (domain.OrchestrationRun, error) {
	var run domain.OrchestrationRun
	var actor, completed sql.NullString
	err := q.QueryRowContext(ctx, r.q(`SELECT id,tenant_id,commitment_id,status,chain_policy,deliverables,dependencies,actor_id,started_at,completed_at
FROM orchestration_runs WHERE tenant_id=? AND commitment_id=?`), tenantID, commitmentID).
		Scan(&run.ID, &run.TenantID, &run.CommitmentID, &run.Status, &run.ChainPolicy, &run.Deliverables, &run.Dependencies, &actor, &run.StartedAt, &completed)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.ActorID = stringPtr(actor)
	run.CompletedAt = stringPtr(completed)
	return run, nil
}
