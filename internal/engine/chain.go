package engine

import (
	"fmt"

	"commitline/internal/config"
	"commitline/internal/domain"
)

// Edge says Deliverable cannot start until DependsOn is terminal.
type Edge struct {
	Deliverable string
	DependsOn   string
}

// Chain orders deliverables, given in creation order, into dependency edges.
//
// The global policy links every deliverable to the one created before it,
// whatever item or offering it came from. The per_item policy restarts the
// chain for each commitment item so unrelated items can proceed in parallel.
func Chain(policy string, ds []domain.Deliverable) []Edge {
	if len(ds) < 2 {
		return nil
	}
	edges := make([]Edge, 0, len(ds)-1)
	switch policy {
	case config.ChainPerItem:
		last := map[string]string{}
		for _, d := range ds {
			if prev, ok := last[d.CommitmentItemID]; ok {
				edges = append(edges, Edge{Deliverable: d.ID, DependsOn: prev})
			}
			last[d.CommitmentItemID] = d.ID
		}
	default:
		for i := 1; i < len(ds); i++ {
			edges = append(edges, Edge{Deliverable: ds[i].ID, DependsOn: ds[i-1].ID})
		}
	}
	return edges
}

// checkEdges rejects edges that leave the run's generated set or cross tenants.
func checkEdges(tenantID string, ds []domain.Deliverable, edges []Edge) error {
	inRun := make(map[string]string, len(ds))
	for _, d := range ds {
		inRun[d.ID] = d.TenantID
	}
	for _, e := range edges {
		if e.Deliverable == e.DependsOn {
			return fmt.Errorf("deliverable %s depends on itself", e.Deliverable)
		}
		for _, id := range []string{e.Deliverable, e.DependsOn} {
			tenant, ok := inRun[id]
			if !ok {
				return fmt.Errorf("edge references deliverable %s outside this run", id)
			}
			if tenant != tenantID {
				return fmt.Errorf("%w: deliverable %s belongs to tenant %s", ErrTenantMismatch, id, tenant)
			}
		}
	}
	return nil
}
