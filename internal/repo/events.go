package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"commitline/internal/domain"
)

const eventColumns = `id,ts,tenant_id,subject_kind,subject_id,type,actor_id,payload_json`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var actor sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.TenantID, &e.SubjectKind, &e.SubjectID, &e.Type, &actor, &e.Payload); err != nil {
			return nil, err
		}
		e.ActorID = stringPtr(actor)
		res = append(res, e)
	}
	return res, rows.Err()
}

// CommitmentTimeline returns the commitment's own events together with the
// events of its deliverables, oldest first.
func (r Repo) CommitmentTimeline(ctx context.Context, tenantID, commitmentID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+eventColumns+` FROM events
WHERE tenant_id=? AND (
  (subject_kind='commitment' AND subject_id=?)
  OR (subject_kind='deliverable' AND subject_id IN (SELECT id FROM deliverables WHERE tenant_id=? AND commitment_id=?))
)
ORDER BY id ASC LIMIT ?`), tenantID, commitmentID, tenantID, commitmentID, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (r Repo) LatestEvents(ctx context.Context, limit int, tenantID, evtType, subjectKind, subjectID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if tenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, tenantID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if subjectKind != "" {
		clauses = append(clauses, "subject_kind=?")
		args = append(args, subjectKind)
	}
	if subjectID != "" {
		clauses = append(clauses, "subject_id=?")
		args = append(args, subjectID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT %s FROM events %s ORDER BY id DESC LIMIT ?`, eventColumns, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+eventColumns+` FROM events WHERE id>? ORDER BY id ASC LIMIT ?`), cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsBetween returns events with after < id <= upTo in ascending order.
// Rows committed late by a concurrent transaction show up here once visible.
func (r Repo) EventsBetween(ctx context.Context, after, upTo int64) ([]domain.Event, error) {
	if upTo <= after {
		return nil, nil
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+eventColumns+` FROM events WHERE id>? AND id<=? ORDER BY id ASC`), after, upTo)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
