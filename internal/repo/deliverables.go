package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"commitline/internal/db"
	"commitline/internal/domain"
)

// InsertDeliverable writes d unless a row with the same id already exists.
// It reports whether a row was created.
func (r Repo) InsertDeliverable(ctx context.Context, q db.Querier, d domain.Deliverable) (bool, error) {
	meta, err := json.Marshal(d.Metadata)
	if err != nil {
		return false, err
	}
	res, err := q.ExecContext(ctx, r.q(`INSERT INTO deliverables(id,tenant_id,commitment_id,commitment_item_id,template_id,entity_id,title,status,owner_id,due_date,metadata_json,position,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`),
		d.ID, d.TenantID, d.CommitmentID, d.CommitmentItemID, d.TemplateID, d.EntityID, d.Title, d.Status,
		nullableStringPtr(d.OwnerID), nullableStringPtr(d.DueDate), string(meta), d.Position, d.CreatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// HasDeliverables reports whether any live deliverable references the commitment.
func (r Repo) HasDeliverables(ctx context.Context, q db.Querier, tenantID, commitmentID string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, r.q(`SELECT 1 FROM deliverables WHERE tenant_id=? AND commitment_id=? AND deleted_at IS NULL LIMIT 1`), tenantID, commitmentID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ListDeliverables(ctx context.Context, q db.Querier, tenantID, commitmentID string) ([]domain.Deliverable, error) {
	rows, err := q.QueryContext(ctx, r.q(`SELECT id,tenant_id,commitment_id,commitment_item_id,template_id,entity_id,title,status,owner_id,due_date,metadata_json,position,created_at
FROM deliverables WHERE tenant_id=? AND commitment_id=? AND deleted_at IS NULL ORDER BY position ASC`), tenantID, commitmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deliverable
	for rows.Next() {
		var d domain.Deliverable
		var owner, due sql.NullString
		var meta string
		if err := rows.Scan(&d.ID, &d.TenantID, &d.CommitmentID, &d.CommitmentItemID, &d.TemplateID, &d.EntityID, &d.Title, &d.Status, &owner, &due, &meta, &d.Position, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.OwnerID = stringPtr(owner)
		d.DueDate = stringPtr(due)
		if err := json.Unmarshal([]byte(meta), &d.Metadata); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// AddDependency inserts one edge. An edge that already exists counts as
// satisfied and reports false without error.
func (r Repo) AddDependency(ctx context.Context, q db.Querier, dep domain.DeliverableDependency) (bool, error) {
	res, err := q.ExecContext(ctx, r.q(`INSERT INTO deliverable_dependencies(tenant_id,deliverable_id,depends_on_deliverable_id,created_at) VALUES (?,?,?,?)
ON CONFLICT(deliverable_id, depends_on_deliverable_id) DO NOTHING`),
		dep.TenantID, dep.DeliverableID, dep.DependsOnDeliverableID, dep.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListDependencies returns the edges whose dependent deliverable belongs to
// the commitment, in the dependent's creation order.
func (r Repo) ListDependencies(ctx context.Context, q db.Querier, tenantID, commitmentID string) ([]domain.DeliverableDependency, error) {
	rows, err := q.QueryContext(ctx, r.q(`SELECT dd.tenant_id,dd.deliverable_id,dd.depends_on_deliverable_id,dd.created_at
FROM deliverable_dependencies dd
JOIN deliverables d ON d.id=dd.deliverable_id
WHERE dd.tenant_id=? AND d.commitment_id=?
ORDER BY d.position ASC, dd.depends_on_deliverable_id ASC`), tenantID, commitmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeliverableDependency
	for rows.Next() {
		var dep domain.DeliverableDependency
		if err := rows.Scan(&dep.TenantID, &dep.DeliverableID, &dep.DependsOnDeliverableID, &dep.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, dep)
	}
	return res, rows.Err()
}
