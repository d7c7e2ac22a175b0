// Package fixture loads catalog and commitment data from YAML into the store.
// It is how development workspaces and tests get the rows that the upstream
// sales system would normally own.
package fixture

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"commitline/internal/db"
	"commitline/internal/domain"
	"commitline/internal/repo"
)

type File struct {
	Tenants []Tenant `yaml:"tenants"`
}

type Tenant struct {
	ID          string       `yaml:"id"`
	Offerings   []Offering   `yaml:"offerings"`
	Commitments []Commitment `yaml:"commitments"`
}

type Offering struct {
	ID        string     `yaml:"id"`
	Name      string     `yaml:"name"`
	Templates []Template `yaml:"templates"`
}

type Template struct {
	ID             string  `yaml:"id"`
	Name           string  `yaml:"name"`
	EstimatedHours float64 `yaml:"estimated_hours"`
	ResourceType   string  `yaml:"resource_type"`
	Deleted        bool    `yaml:"deleted"`
}

type Commitment struct {
	ID         string `yaml:"id"`
	CustomerID string `yaml:"customer_id"`
	Status     string `yaml:"status"`
	TotalValue int64  `yaml:"total_value"`
	Deleted    bool   `yaml:"deleted"`
	Items      []Item `yaml:"items"`
}

type Item struct {
	ID         string         `yaml:"id"`
	OfferingID string         `yaml:"offering_id"`
	Quantity   *int           `yaml:"quantity"`
	Metadata   map[string]any `yaml:"metadata"`
	// TenantID overrides the owning tenant; used to model corrupt rows.
	TenantID string `yaml:"tenant_id"`
	Deleted  bool   `yaml:"deleted"`
}

// Summary counts imported rows.
type Summary struct {
	Offerings   int `json:"offerings"`
	Templates   int `json:"templates"`
	Commitments int `json:"commitments"`
	Items       int `json:"items"`
}

// Parse decodes a fixture document.
func Parse(data []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("invalid fixture yaml: %w", err)
	}
	for i, t := range f.Tenants {
		if t.ID == "" {
			return f, fmt.Errorf("tenants[%d].id is required", i)
		}
	}
	return f, nil
}

// ParseFile reads and decodes a fixture file.
func ParseFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	return Parse(data)
}

// Load writes the fixture in one transaction. Rows receive strictly
// increasing created_at stamps starting at base so document order is
// creation order.
func Load(ctx context.Context, conn db.Conn, f File, base time.Time) (Summary, error) {
	r := repo.Repo{DB: conn}
	var sum Summary
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return sum, err
	}
	defer tx.Rollback()

	tick := 0
	stamp := func() string {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond).UTC().Format(time.RFC3339Nano)
	}
	for _, t := range f.Tenants {
		for _, o := range t.Offerings {
			if err := r.InsertOffering(ctx, tx, domain.Offering{ID: o.ID, TenantID: t.ID, Name: o.Name, CreatedAt: stamp()}); err != nil {
				return sum, fmt.Errorf("offering %s/%s: %w", t.ID, o.ID, err)
			}
			sum.Offerings++
			for _, tpl := range o.Templates {
				row := domain.DeliverableTemplate{
					ID:             tpl.ID,
					TenantID:       t.ID,
					OfferingID:     o.ID,
					Name:           tpl.Name,
					EstimatedHours: tpl.EstimatedHours,
					ResourceType:   tpl.ResourceType,
					CreatedAt:      stamp(),
				}
				if tpl.Deleted {
					row.DeletedAt = &row.CreatedAt
				}
				if err := r.InsertTemplate(ctx, tx, row); err != nil {
					return sum, fmt.Errorf("template %s/%s: %w", t.ID, tpl.ID, err)
				}
				sum.Templates++
			}
		}
		for _, c := range t.Commitments {
			status := c.Status
			if status == "" {
				status = domain.CommitmentDraft
			}
			row := domain.Commitment{
				ID:         c.ID,
				TenantID:   t.ID,
				CustomerID: c.CustomerID,
				Status:     status,
				TotalValue: c.TotalValue,
				CreatedAt:  stamp(),
			}
			if c.Deleted {
				row.DeletedAt = &row.CreatedAt
			}
			if err := r.InsertCommitment(ctx, tx, row); err != nil {
				return sum, fmt.Errorf("commitment %s/%s: %w", t.ID, c.ID, err)
			}
			sum.Commitments++
			for _, it := range c.Items {
				qty := 1
				if it.Quantity != nil {
					qty = *it.Quantity
				}
				tenantID := t.ID
				if it.TenantID != "" {
					tenantID = it.TenantID
				}
				item := domain.CommitmentItem{
					ID:           it.ID,
					TenantID:     tenantID,
					CommitmentID: c.ID,
					OfferingID:   it.OfferingID,
					Quantity:     qty,
					CreatedAt:    stamp(),
				}
				if it.Metadata != nil {
					meta, err := json.Marshal(it.Metadata)
					if err != nil {
						return sum, fmt.Errorf("item %s metadata: %w", it.ID, err)
					}
					item.Metadata = meta
				}
				if it.Deleted {
					item.DeletedAt = &item.CreatedAt
				}
				if err := r.InsertCommitmentItem(ctx, tx, item); err != nil {
					return sum, fmt.Errorf("item %s/%s: %w", t.ID, it.ID, err)
				}
				sum.Items++
			}
		}
	}
	return sum, tx.Commit()
}
