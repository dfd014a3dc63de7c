package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"hades/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const eventColumns = `id,ts,type,COALESCE(mission_id,''),entity_kind,COALESCE(entity_id,''),payload_json`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.MissionID, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventsFrom returns events older than cursor, newest first. A zero
// cursor starts at the newest event.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, missionID, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if missionID != "" {
		clauses = append(clauses, "mission_id=?")
		args = append(args, missionID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT %s FROM events %s ORDER BY id DESC LIMIT ?`, eventColumns, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending
// order. Followers pass the last ID they saw.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, missionID, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if missionID != "" {
		clauses = append(clauses, "mission_id=?")
		args = append(args, missionID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT %s FROM events %s ORDER BY id ASC LIMIT ?`, eventColumns, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LastEvent returns the newest event of a mission.
func (r Repo) LastEvent(ctx context.Context, missionID string) (domain.Event, error) {
	var e domain.Event
	err := r.DB.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM events WHERE mission_id=? ORDER BY id DESC LIMIT 1`, eventColumns), missionID).
		Scan(&e.ID, &e.TS, &e.Type, &e.MissionID, &e.EntityKind, &e.EntityID, &e.Payload)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}
