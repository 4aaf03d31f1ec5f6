package events

import (
	"context"
	"sync"
	"time"

	"fieldcrm/internal/domain"
)

// Memory keeps events in process memory.
type Memory struct {
	mu     sync.Mutex
	events []domain.Event
	Now    func() time.Time
}

func (m *Memory) Append(_ context.Context, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	data, err := Encode(evtType, payload)
	if err != nil {
		return err
	}
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, domain.Event{
		ID:         int64(len(m.events) + 1),
		TS:         now().UTC().Format(time.RFC3339),
		Type:       evtType,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    Actor(actorID),
		Payload:    data,
	})
	return nil
}

func (m *Memory) Latest(_ context.Context, f Filter) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := normalizeLimit(f.Limit)
	var res []domain.Event
	for i := len(m.events) - 1; i >= 0 && len(res) < limit; i-- {
		if f.matches(m.events[i]) {
			res = append(res, m.events[i])
		}
	}
	return res, nil
}

func (m *Memory) After(_ context.Context, cursor int64, limit int) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var res []domain.Event
	for _, e := range m.events {
		if e.ID > cursor {
			res = append(res, e)
		}
		if len(res) == limit {
			break
		}
	}
	return res, nil
}

func (m *Memory) LatestID(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.events)), nil
}
