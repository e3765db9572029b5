package statestore

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is a process-local Store for development setups without a
// state store connection and for tests of packages built on top of one.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]*Snapshot
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*Snapshot)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, resource, itemID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.rows[rowKey(resource, itemID)]
	if !ok {
		return nil, nil
	}
	copied := *snap
	copied.Fields = cloneFields(snap.Fields)
	return &copied, nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, resource, itemID string, fields map[string]interface{}) error {
	raw, err := capFields(fields)
	if err != nil {
		return err
	}
	version := versionOf(fields)

	var stored map[string]interface{}
	if err := json.Unmarshal(raw, &stored); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[rowKey(resource, itemID)] = &Snapshot{
		Resource:   resource,
		ItemID:     itemID,
		Fields:     stored,
		CapturedAt: time.Now().UTC(),
		Version:    version,
	}
	return nil
}

// BatchInit implements Store.
func (s *MemoryStore) BatchInit(ctx context.Context, resource string, fieldsByID map[string]map[string]interface{}) error {
	for itemID, fields := range fieldsByID {
		if err := s.Put(ctx, resource, itemID, fields); err != nil {
			return err
		}
	}
	return nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Len reports the number of stored snapshots.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

func cloneFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
