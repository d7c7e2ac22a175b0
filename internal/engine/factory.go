package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"commitline/internal/db"
	"commitline/internal/domain"
	"commitline/internal/events"
)

const maxQuantity = 10000

// itemPlan is one commitment item with its resolved catalog.
type itemPlan struct {
	Item      domain.CommitmentItem
	Overrides map[string]Override
	Templates []domain.DeliverableTemplate
}

// resolve loads items and their templates, rejecting anything that is not
// visible in the commitment's tenant.
func (e Engine) resolve(ctx context.Context, q db.Querier, c domain.Commitment) ([]itemPlan, error) {
	items, err := e.Repo.ListCommitmentItems(ctx, q, c.ID)
	if err != nil {
		return nil, storeRead("load commitment items", err)
	}
	plans := make([]itemPlan, 0, len(items))
	for _, it := range items {
		if it.TenantID != c.TenantID {
			return nil, internal(fmt.Sprintf("commitment item %s belongs to tenant %s", it.ID, it.TenantID), ErrTenantMismatch)
		}
		if it.Quantity > maxQuantity {
			return nil, invalidInput(fmt.Sprintf("commitment item %s quantity %d exceeds %d", it.ID, it.Quantity, maxQuantity), nil)
		}
		if _, err := e.Repo.GetOffering(ctx, q, c.TenantID, it.OfferingID); err != nil {
			if isNotFound(err) {
				return nil, internal(fmt.Sprintf("offering %s of item %s is not visible in tenant %s", it.OfferingID, it.ID, c.TenantID), ErrTenantMismatch)
			}
			return nil, storeRead("load offering "+it.OfferingID, err)
		}
		overrides, err := parseOverrides(it.Metadata)
		if err != nil {
			return nil, invalidInput("commitment item "+it.ID, err)
		}
		templates, err := e.Repo.ListTemplatesForOffering(ctx, q, c.TenantID, it.OfferingID)
		if err != nil {
			return nil, storeRead("load templates for offering "+it.OfferingID, err)
		}
		for templateID := range overrides {
			if !hasTemplate(templates, templateID) {
				e.logger().Warn("override references unknown template",
					"tenant_id", c.TenantID, "commitment_id", c.ID, "commitment_item_id", it.ID, "template_id", templateID)
			}
		}
		plans = append(plans, itemPlan{Item: it, Overrides: overrides, Templates: templates})
	}
	return plans, nil
}

func hasTemplate(ts []domain.DeliverableTemplate, id string) bool {
	for _, t := range ts {
		if t.ID == id {
			return true
		}
	}
	return false
}

// deliverableID is stable for a (tenant, commitment, item, template, seq)
// tuple so a replayed expansion produces the same identities.
func deliverableID(tenantID, commitmentID, itemID, templateID string, seq int) string {
	key := strings.Join([]string{tenantID, commitmentID, itemID, templateID, fmt.Sprint(seq)}, "|")
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

func deliverableTitle(name string, seq, total int) string {
	if total <= 1 {
		return name
	}
	return fmt.Sprintf("%s (%d/%d)", name, seq, total)
}

// expand creates the deliverables for every (item, template) pair in item
// order, then template order, then sequence index.
func (e Engine) expand(ctx context.Context, q db.Querier, c domain.Commitment, plans []itemPlan, actorID string) ([]domain.Deliverable, error) {
	var created []domain.Deliverable
	now := e.timestamp()
	for _, p := range plans {
		for _, tpl := range p.Templates {
			total := finalQuantity(p.Item.Quantity, p.Overrides, tpl.ID)
			for seq := 1; seq <= total; seq++ {
				d := domain.Deliverable{
					ID:               deliverableID(c.TenantID, c.ID, p.Item.ID, tpl.ID, seq),
					TenantID:         c.TenantID,
					CommitmentID:     c.ID,
					CommitmentItemID: p.Item.ID,
					TemplateID:       tpl.ID,
					EntityID:         p.Item.OfferingID,
					Title:            deliverableTitle(tpl.Name, seq, total),
					Status:           domain.DeliverablePlanned,
					Metadata: domain.DeliverableMetadata{
						TemplateID:       tpl.ID,
						CommitmentItemID: p.Item.ID,
						Seq:              seq,
						Total:            total,
					},
					Position:  len(created) + 1,
					CreatedAt: now,
				}
				ok, err := e.Repo.InsertDeliverable(ctx, q, d)
				if err != nil {
					return nil, e.logError("insert_deliverable_failed", storeWrite("insert deliverable", err),
						"tenant_id", c.TenantID, "commitment_id", c.ID, "offering_id", p.Item.OfferingID, "template_id", tpl.ID, "seq", seq)
				}
				if !ok {
					return nil, e.logError("deliverable_exists", internal(fmt.Sprintf("deliverable %s already exists", d.ID), nil),
						"tenant_id", c.TenantID, "commitment_id", c.ID, "template_id", tpl.ID, "seq", seq, "deliverable_id", d.ID)
				}
				if err := e.Events.Append(ctx, q, events.DeliverableGeneratedFromTemplate, c.TenantID, events.SubjectDeliverable, d.ID, actorID, events.EventPayload{
					"template_id":        tpl.ID,
					"name":               tpl.Name,
					"estimated_hours":    tpl.EstimatedHours,
					"resource_type":      tpl.ResourceType,
					"commitment_id":      c.ID,
					"commitment_item_id": p.Item.ID,
					"seq":                seq,
					"total":              total,
				}); err != nil {
					return nil, e.logError("append_deliverable_event_failed", storeWrite("append deliverable event", err),
						"tenant_id", c.TenantID, "commitment_id", c.ID, "deliverable_id", d.ID)
				}
				created = append(created, d)
			}
		}
	}
	return created, nil
}

// link persists the chain. Edges that already exist are skipped.
func (e Engine) link(ctx context.Context, q db.Querier, tenantID string, ds []domain.Deliverable, edges []Edge) (int, error) {
	if err := checkEdges(tenantID, ds, edges); err != nil {
		return 0, internal("dependency chain", err)
	}
	now := e.timestamp()
	n := 0
	for _, edge := range edges {
		ok, err := e.Repo.AddDependency(ctx, q, domain.DeliverableDependency{
			TenantID:               tenantID,
			DeliverableID:          edge.Deliverable,
			DependsOnDeliverableID: edge.DependsOn,
			CreatedAt:              now,
		})
		if err != nil {
			return n, e.logError("insert_dependency_failed", storeWrite("insert dependency", err),
				"tenant_id", tenantID, "deliverable_id", edge.Deliverable, "depends_on", edge.DependsOn)
		}
		if ok {
			n++
		}
	}
	return n, nil
}
