package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"commitline/internal/db"
	"commitline/internal/domain"
)

type Repo struct {
	DB db.Conn
}

var ErrNotFound = errors.New("not found")

func (r Repo) q(query string) string {
	return r.DB.Dialect.Rebind(query)
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func (r Repo) InsertOffering(ctx context.Context, q db.Querier, o domain.Offering) error {
	_, err := q.ExecContext(ctx, r.q(`INSERT INTO offerings(id,tenant_id,name,created_at) VALUES (?,?,?,?)`),
		o.ID, o.TenantID, o.Name, o.CreatedAt)
	return err
}

func (r Repo) GetOffering(ctx context.Context, q db.Querier, tenantID, id string) (domain.Offering, error) {
	var o domain.Offering
	err := q.QueryRowContext(ctx, r.q(`SELECT id,tenant_id,name,created_at FROM offerings WHERE tenant_id=? AND id=?`), tenantID, id).
		Scan(&o.ID, &o.TenantID, &o.Name, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) InsertTemplate(ctx context.Context, q db.Querier, t domain.DeliverableTemplate) error {
	_, err := q.ExecContext(ctx, r.q(`INSERT INTO deliverable_templates(id,tenant_id,offering_id,name,estimated_hours,resource_type,created_at,deleted_at) VALUES (?,?,?,?,?,?,?,?)`),
		t.ID, t.TenantID, t.OfferingID, t.Name, t.EstimatedHours, t.ResourceType, t.CreatedAt, nullableStringPtr(t.DeletedAt))
	return err
}

// ListTemplatesForOffering returns the live catalog for an offering within one
// tenant, oldest first.
func (r Repo) ListTemplatesForOffering(ctx context.Context, q db.Querier, tenantID, offeringID string) ([]domain.DeliverableTemplate, error) {
	rows, err := q.QueryContext(ctx, r.q(`SELECT id,tenant_id,offering_id,name,estimated_hours,resource_type,created_at
FROM deliverable_templates WHERE tenant_id=? AND offering_id=? AND deleted_at IS NULL ORDER BY created_at ASC, id ASC`), tenantID, offeringID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeliverableTemplate
	for rows.Next() {
		var t domain.DeliverableTemplate
		if err := rows.Scan(&t.ID, &t.TenantID, &t.OfferingID, &t.Name, &t.EstimatedHours, &t.ResourceType, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertCommitment(ctx context.Context, q db.Querier, c domain.Commitment) error {
	_, err := q.ExecContext(ctx, r.q(`INSERT INTO commitments(id,tenant_id,customer_id,status,total_value,created_at,deleted_at) VALUES (?,?,?,?,?,?,?)`),
		c.ID, c.TenantID, c.CustomerID, c.Status, c.TotalValue, c.CreatedAt, nullableStringPtr(c.DeletedAt))
	return err
}

// GetCommitment returns a live commitment; soft-deleted rows are ErrNotFound.
func (r Repo) GetCommitment(ctx context.Context, q db.Querier, id string) (domain.Commitment, error) {
	var c domain.Commitment
	err := q.QueryRowContext(ctx, r.q(`SELECT id,tenant_id,customer_id,status,total_value,created_at FROM commitments WHERE id=? AND deleted_at IS NULL`), id).
		Scan(&c.ID, &c.TenantID, &c.CustomerID, &c.Status, &c.TotalValue, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) UpdateCommitmentStatus(ctx context.Context, q db.Querier, id, status string) error {
	res, err := q.ExecContext(ctx, r.q(`UPDATE commitments SET status=? WHERE id=? AND deleted_at IS NULL`), status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertCommitmentItem(ctx context.Context, q db.Querier, it domain.CommitmentItem) error {
	var meta any
	if len(it.Metadata) > 0 {
		meta = string(it.Metadata)
	}
	_, err := q.ExecContext(ctx, r.q(`INSERT INTO commitment_items(id,tenant_id,commitment_id,offering_id,quantity,metadata_json,created_at,deleted_at) VALUES (?,?,?,?,?,?,?,?)`),
		it.ID, it.TenantID, it.CommitmentID, it.OfferingID, it.Quantity, meta, it.CreatedAt, nullableStringPtr(it.DeletedAt))
	return err
}

// ListCommitmentItems returns the live items of a commitment in creation order.
// Rows are not filtered by tenant so callers can reject mismatches.
func (r Repo) ListCommitmentItems(ctx context.Context, q db.Querier, commitmentID string) ([]domain.CommitmentItem, error) {
	rows, err := q.QueryContext(ctx, r.q(`SELECT id,tenant_id,commitment_id,offering_id,quantity,metadata_json,created_at
FROM commitment_items WHERE commitment_id=? AND deleted_at IS NULL ORDER BY created_at ASC, id ASC`), commitmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CommitmentItem
	for rows.Next() {
		var it domain.CommitmentItem
		var meta sql.NullString
		if err := rows.Scan(&it.ID, &it.TenantID, &it.CommitmentID, &it.OfferingID, &it.Quantity, &meta, &it.CreatedAt); err != nil {
			return nil, err
		}
		if meta.Valid && meta.String != "" {
			it.Metadata = json.RawMessage(meta.String)
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

var softDeletable = map[string]bool{
	"commitments":           true,
	"commitment_items":      true,
	"deliverable_templates": true,
	"deliverables":          true,
}

// SoftDelete stamps deleted_at on a row of one of the soft-deletable tables.
func (r Repo) SoftDelete(ctx context.Context, q db.Querier, table, tenantID, id, ts string) error {
	if !softDeletable[table] {
		return fmt.Errorf("table %s does not support soft delete", table)
	}
	res, err := q.ExecContext(ctx, r.q(fmt.Sprintf(`UPDATE %s SET deleted_at=? WHERE tenant_id=? AND id=? AND deleted_at IS NULL`, table)), ts, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
