package engine

const (
	ReasonNotActive        = "not_active"
	ReasonAlreadyGenerated = "already_generated"
)

// Result is the outcome of a run that did not fail.
type Result struct {
	TenantID            string `json:"tenant_id"`
	CommitmentID        string `json:"commitment_id"`
	RunID               string `json:"run_id,omitempty"`
	Skipped             bool   `json:"skipped,omitempty"`
	Reason              string `json:"reason,omitempty"`
	DeliverablesCreated int    `json:"deliverables_created"`
	DependenciesCreated int    `json:"dependencies_created"`
}

// Outcome labels the result for logs and metrics.
func (r Result) Outcome() string {
	if r.Skipped {
		return "skipped_" + r.Reason
	}
	return "success"
}

func skipped(tenantID, commitmentID, reason string) Result {
	return Result{TenantID: tenantID, CommitmentID: commitmentID, Skipped: true, Reason: reason}
}
