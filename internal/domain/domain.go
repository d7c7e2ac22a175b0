package domain

import "encoding/json"

const (
	CommitmentDraft    = "draft"
	CommitmentActive   = "active"
	CommitmentClosed   = "closed"
	CommitmentCanceled = "canceled"

	DeliverablePlanned = "planned"
)

type Commitment struct {
	ID         string  `json:"id"`
	TenantID   string  `json:"tenant_id"`
	CustomerID string  `json:"customer_id"`
	Status     string  `json:"status" enum:"draft,active,closed,canceled"`
	TotalValue int64   `json:"total_value"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	DeletedAt  *string `json:"deleted_at,omitempty" format:"date-time"`
}

type Offering struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type CommitmentItem struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	CommitmentID string          `json:"commitment_id"`
	OfferingID   string          `json:"offering_id"`
	Quantity     int             `json:"quantity"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
	DeletedAt    *string         `json:"deleted_at,omitempty" format:"date-time"`
}

type DeliverableTemplate struct {
	ID             string  `json:"id"`
	TenantID       string  `json:"tenant_id"`
	OfferingID     string  `json:"offering_id"`
	Name           string  `json:"name"`
	EstimatedHours float64 `json:"estimated_hours"`
	ResourceType   string  `json:"resource_type"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	DeletedAt      *string `json:"deleted_at,omitempty" format:"date-time"`
}

// DeliverableMetadata records where a deliverable came from.
type DeliverableMetadata struct {
	TemplateID       string `json:"template_id"`
	CommitmentItemID string `json:"commitment_item_id"`
	Seq              int    `json:"seq"`
	Total            int    `json:"total"`
}

type Deliverable struct {
	ID               string              `json:"id"`
	TenantID         string              `json:"tenant_id"`
	CommitmentID     string              `json:"commitment_id"`
	CommitmentItemID string              `json:"commitment_item_id"`
	TemplateID       string              `json:"template_id"`
	EntityID         string              `json:"entity_id"`
	Title            string              `json:"title"`
	Status           string              `json:"status"`
	OwnerID          *string             `json:"owner_id,omitempty"`
	DueDate          *string             `json:"due_date,omitempty" format:"date"`
	Metadata         DeliverableMetadata `json:"metadata"`
	Position         int                 `json:"position"`
	CreatedAt        string              `json:"created_at" format:"date-time"`
}

type DeliverableDependency struct {
	TenantID               string `json:"tenant_id"`
	DeliverableID          string `json:"deliverable_id"`
	DependsOnDeliverableID string `json:"depends_on_deliverable_id"`
	CreatedAt              string `json:"created_at" format:"date-time"`
}

// OrchestrationRun is the marker row that makes a run happen at most once.
type OrchestrationRun struct {
	ID           string  `json:"id"`
	TenantID     string  `json:"tenant_id"`
	CommitmentID string  `json:"commitment_id"`
	Status       string  `json:"status" enum:"running,completed"`
	ChainPolicy  string  `json:"chain_policy"`
	Deliverables int     `json:"deliverables"`
	Dependencies int     `json:"dependencies"`
	ActorID      *string `json:"actor_id,omitempty"`
	StartedAt    string  `json:"started_at" format:"date-time"`
	CompletedAt  *string `json:"completed_at,omitempty" format:"date-time"`
}

type Event struct {
	ID          int64   `json:"id"`
	TS          string  `json:"ts" format:"date-time"`
	TenantID    string  `json:"tenant_id"`
	SubjectKind string  `json:"subject_kind" enum:"commitment,deliverable"`
	SubjectID   string  `json:"subject_id"`
	Type        string  `json:"type"`
	ActorID     *string `json:"actor_id,omitempty"`
	Payload     string  `json:"payload_json"`
}
