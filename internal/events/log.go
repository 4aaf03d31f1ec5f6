package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"fieldcrm/internal/domain"
)

// Event types written by the engine.
const (
	UserAdded         = "user.added"
	CompanyAdded      = "company.added"
	CompanyUpdated    = "company.updated"
	TaskAssigned      = "task.assigned"
	TaskEdited        = "task.edited"
	VisitCheckedIn    = "visit.checked_in"
	VisitSubmitted    = "visit.submitted"
	VisitResubmitted  = "visit.resubmitted"
	SessionLoggedIn   = "session.login"
	SessionLoggedOut  = "session.logout"
	DirectorySignedUp = "directory.signup"
)

type EventPayload map[string]any

// SystemActor is recorded when an event has no acting user.
const SystemActor = "system"

// Encode renders a payload as the JSON text stored with an event.
func Encode(evtType string, payload EventPayload) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", evtType, err)
	}
	return string(data), nil
}

// Actor returns id, or SystemActor when it is blank.
func Actor(id string) string {
	if strings.TrimSpace(id) == "" {
		return SystemActor
	}
	return id
}

// Filter narrows LatestEvents. Empty fields match everything.
type Filter struct {
	Type       string
	EntityKind string
	EntityID   string
	ActorID    string
	Limit      int
	// Before returns only events with a smaller id when positive.
	Before int64
}

// Log is the append-only audit trail.
type Log interface {
	Append(ctx context.Context, evtType, entityKind, entityID, actorID string, payload EventPayload) error
	Latest(ctx context.Context, f Filter) ([]domain.Event, error)
	After(ctx context.Context, cursor int64, limit int) ([]domain.Event, error)
	LatestID(ctx context.Context) (int64, error)
}

func normalizeLimit(n int) int {
	if n <= 0 {
		return 20
	}
	if n > 500 {
		return 500
	}
	return n
}

func (f Filter) matches(e domain.Event) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.EntityKind != "" && e.EntityKind != f.EntityKind {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Before > 0 && e.ID >= f.Before {
		return false
	}
	return true
}
