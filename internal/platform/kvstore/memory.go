package kvstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

type memoryEntry[T any] struct {
	seq    uint64
	record T
}

// Memory is an in-process Store used for development and tests. Locked
// serializes callers sharing the same Memory value.
type Memory[T any] struct {
	lockMu sync.Mutex

	mu      sync.RWMutex
	nextSeq uint64
	records map[string]*memoryEntry[T]
}

// NewMemory creates an empty in-memory store.
func NewMemory[T any]() *Memory[T] {
	return &Memory[T]{records: make(map[string]*memoryEntry[T])}
}

func (m *Memory[T]) Get(_ context.Context, id string) (T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.records[id]
	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	return e.record, nil
}

func (m *Memory[T]) Put(_ context.Context, id string, record T) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.records[id]; ok {
		e.record = record
		return nil
	}
	m.nextSeq++
	m.records[id] = &memoryEntry[T]{seq: m.nextSeq, record: record}
	return nil
}

func (m *Memory[T]) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return ErrNotFound
	}
	delete(m.records, id)
	return nil
}

func (m *Memory[T]) Scan(_ context.Context, match func(T) bool) ([]T, error) {
	m.mu.RLock()
	entries := make([]*memoryEntry[T], 0, len(m.records))
	for _, e := range m.records {
		if match == nil || match(e.record) {
			entries = append(entries, e)
		}
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]T, len(entries))
	for i, e := range entries {
		out[i] = e.record
	}
	return out, nil
}

func (m *Memory[T]) ScanWhere(ctx context.Context, where map[string]string, match func(T) bool) ([]T, error) {
	if len(where) == 0 {
		return m.Scan(ctx, match)
	}
	return m.Scan(ctx, func(r T) bool {
		return fieldsEqual(r, where) && (match == nil || match(r))
	})
}

// fieldsEqual compares top-level JSON string fields, mirroring the JSONB
// containment the Postgres backend uses.
func fieldsEqual(record any, where map[string]string) bool {
	body, err := json.Marshal(record)
	if err != nil {
		return false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return false
	}
	for k, want := range where {
		var got string
		raw, ok := fields[k]
		if !ok || json.Unmarshal(raw, &got) != nil || got != want {
			return false
		}
	}
	return true
}

func (m *Memory[T]) Locked(ctx context.Context, fn func(ctx context.Context) error) error {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	return fn(ctx)
}

func (m *Memory[T]) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}
