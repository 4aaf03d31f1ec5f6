package events

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"fieldcrm/internal/domain"
)

// Writer keeps the audit trail in the SQLite events table.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

const eventColumns = `id, ts, type, entity_kind, COALESCE(entity_id, ''), actor_id, payload_json`

func (w Writer) clock() time.Time {
	if w.Now == nil {
		return time.Now()
	}
	return w.Now()
}

func (w Writer) Append(ctx context.Context, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	data, err := Encode(evtType, payload)
	if err != nil {
		return err
	}
	var entity any
	if entityID != "" {
		entity = entityID
	}
	if _, err := w.DB.ExecContext(ctx,
		`INSERT INTO events(ts, type, entity_kind, entity_id, actor_id, payload_json) VALUES (?, ?, ?, ?, ?, ?)`,
		w.clock().UTC().Format(time.RFC3339), evtType, entityKind, entity, Actor(actorID), data); err != nil {
		return fmt.Errorf("append %s: %w", evtType, err)
	}
	return nil
}

// Latest returns the newest events matching f, newest first.
func (w Writer) Latest(ctx context.Context, f Filter) ([]domain.Event, error) {
	var (
		where []string
		args  []any
	)
	eq := func(col, v string) {
		if v != "" {
			where = append(where, col+" = ?")
			args = append(args, v)
		}
	}
	eq("type", f.Type)
	eq("entity_kind", f.EntityKind)
	eq("entity_id", f.EntityID)
	eq("actor_id", f.ActorID)
	if f.Before > 0 {
		where = append(where, "id < ?")
		args = append(args, f.Before)
	}
	q := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY id DESC LIMIT ?`
	return w.scan(ctx, q, append(args, normalizeLimit(f.Limit))...)
}

// After returns events with ids greater than cursor, oldest first.
func (w Writer) After(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return w.scan(ctx, `SELECT `+eventColumns+` FROM events WHERE id > ? ORDER BY id LIMIT ?`, cursor, limit)
}

func (w Writer) LatestID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := w.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (w Writer) scan(ctx context.Context, q string, args ...any) ([]domain.Event, error) {
	rows, err := w.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
