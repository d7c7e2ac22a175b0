package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"commitline/internal/db"
)

const (
	SubjectCommitment  = "commitment"
	SubjectDeliverable = "deliverable"

	DeliverablesGenerated            = "deliverables_generated"
	DeliverableGeneratedFromTemplate = "deliverable_generated_from_template"
)

// Writer appends immutable audit rows. Every caller uses the same Append
// contract, including collaborators outside the orchestrator.
type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside q (usually the caller's transaction).
// An empty actorID records the system as actor.
func (w Writer) Append(ctx context.Context, q db.Querier, evtType, tenantID, subjectKind, subjectID, actorID string, payload EventPayload) error {
	if tenantID == "" {
		return fmt.Errorf("event %s: tenant id required", evtType)
	}
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = q.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO events(ts,tenant_id,subject_kind,subject_id,type,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`),
		ts, tenantID, subjectKind, subjectID, evtType, nullable(actorID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
