package engine

import (
	"context"

	"commitline/internal/domain"
)

// Deliverables lists a commitment's deliverables in creation order.
func (e Engine) Deliverables(ctx context.Context, commitmentID, tenantID string) ([]domain.Deliverable, error) {
	c, err := e.Commitment(ctx, commitmentID, tenantID)
	if err != nil {
		return nil, err
	}
	ds, err := e.Repo.ListDeliverables(ctx, e.DB, c.TenantID, c.ID)
	if err != nil {
		return nil, storeRead("list deliverables", err)
	}
	return ds, nil
}

func (e Engine) Dependencies(ctx context.Context, commitmentID, tenantID string) ([]domain.DeliverableDependency, error) {
	c, err := e.Commitment(ctx, commitmentID, tenantID)
	if err != nil {
		return nil, err
	}
	deps, err := e.Repo.ListDependencies(ctx, e.DB, c.TenantID, c.ID)
	if err != nil {
		return nil, storeRead("list dependencies", err)
	}
	return deps, nil
}

// Timeline returns the audit events of a commitment and its deliverables.
func (e Engine) Timeline(ctx context.Context, commitmentID, tenantID string, limit int) ([]domain.Event, error) {
	c, err := e.Commitment(ctx, commitmentID, tenantID)
	if err != nil {
		return nil, err
	}
	evs, err := e.Repo.CommitmentTimeline(ctx, c.TenantID, c.ID, limit)
	if err != nil {
		return nil, storeRead("load timeline", err)
	}
	return evs, nil
}

// Run returns the orchestration marker of a commitment.
func (e Engine) Run(ctx context.Context, commitmentID, tenantID string) (domain.OrchestrationRun, error) {
	c, err := e.Commitment(ctx, commitmentID, tenantID)
	if err != nil {
		return domain.OrchestrationRun{}, err
	}
	run, err := e.Repo.GetRun(ctx, e.DB, c.TenantID, c.ID)
	if err != nil {
		if isNotFound(err) {
			return run, notFound("no orchestration run for commitment "+c.ID, err)
		}
		return run, storeRead("load run", err)
	}
	return run, nil
}
