package store

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryBackend keeps encoded records in process memory.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[string]memoryRecord
	// Err, when set, is returned by every Save.
	Err error
}

type memoryRecord struct {
	version int
	data    []byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: map[string]memoryRecord{}}
}

func (m *MemoryBackend) Load(_ context.Context, key string, dst any) (int, bool, error) {
	m.mu.Lock()
	rec, ok := m.records[key]
	m.mu.Unlock()
	if !ok {
		return 0, false, nil
	}
	if err := json.Unmarshal(rec.data, dst); err != nil {
		return 0, false, err
	}
	return rec.version, true, nil
}

func (m *MemoryBackend) Save(_ context.Context, key string, version int, v any) error {
	if m.Err != nil {
		return m.Err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.records == nil {
		m.records = map[string]memoryRecord{}
	}
	m.records[key] = memoryRecord{version: version, data: data}
	m.mu.Unlock()
	return nil
}
