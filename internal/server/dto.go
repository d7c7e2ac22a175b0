package server

import (
	"encoding/json"

	"commitline/internal/domain"
	"commitline/internal/engine"
)

type OrchestrateRequest struct {
	CommitmentID string `json:"commitment_id" minLength:"1" doc:"Commitment to orchestrate"`
}

type OrchestrateResponse struct {
	OK                  bool   `json:"ok"`
	Skipped             bool   `json:"skipped,omitempty"`
	Reason              string `json:"reason,omitempty" enum:"not_active,already_generated"`
	TenantID            string `json:"tenant_id"`
	CommitmentID        string `json:"commitment_id"`
	DeliverablesCreated *int   `json:"deliverables_created,omitempty"`
	DependenciesCreated *int   `json:"dependencies_created,omitempty"`
	RunID               string `json:"run_id,omitempty"`
}

func orchestrateResponse(res engine.Result) OrchestrateResponse {
	out := OrchestrateResponse{
		OK:           true,
		Skipped:      res.Skipped,
		Reason:       res.Reason,
		TenantID:     res.TenantID,
		CommitmentID: res.CommitmentID,
		RunID:        res.RunID,
	}
	if !res.Skipped {
		d, deps := res.DeliverablesCreated, res.DependenciesCreated
		out.DeliverablesCreated = &d
		out.DependenciesCreated = &deps
	}
	return out
}

type DeliverableList struct {
	CommitmentID string               `json:"commitment_id"`
	Items        []domain.Deliverable `json:"items"`
}

type DependencyList struct {
	CommitmentID string                         `json:"commitment_id"`
	Items        []domain.DeliverableDependency `json:"items"`
}

// EventResponse exposes the stored payload as JSON rather than a string.
type EventResponse struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts" format:"date-time"`
	TenantID    string         `json:"tenant_id"`
	SubjectKind string         `json:"subject_kind"`
	SubjectID   string         `json:"subject_id"`
	Type        string         `json:"type"`
	ActorID     string         `json:"actor_id,omitempty"`
	Payload     map[string]any `json:"payload"`
}

type EventList struct {
	CommitmentID string          `json:"commitment_id"`
	Items        []EventResponse `json:"items"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := map[string]any{}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	resp := EventResponse{
		ID:          evt.ID,
		TS:          evt.TS,
		TenantID:    evt.TenantID,
		SubjectKind: evt.SubjectKind,
		SubjectID:   evt.SubjectID,
		Type:        evt.Type,
		Payload:     payload,
	}
	if evt.ActorID != nil {
		resp.ActorID = *evt.ActorID
	}
	return resp
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
