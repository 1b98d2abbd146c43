package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/taskpilot/internal/field"
)

// MemoryEntityStore is an in-memory EntityStore. The run command uses
// it as a projection of the snapshots arriving on mutation events, and
// the harness and tests use it directly. Every write is recorded in
// call order so write-back behavior can be asserted on.
type MemoryEntityStore struct {
	mu       sync.Mutex
	entities map[string]field.Object
	writes   []EntityWrite
	failOn   map[string]error
}

// EntityWrite records one WriteField call.
type EntityWrite struct {
	TenantID  string
	Model     string
	EntityID  string
	FieldName string
	Old       field.Value
	New       field.Value
}

// NewMemoryEntityStore creates an empty in-memory entity store.
func NewMemoryEntityStore() *MemoryEntityStore {
	return &MemoryEntityStore{
		entities: make(map[string]field.Object),
		failOn:   make(map[string]error),
	}
}

// Seed installs or replaces an entity snapshot. The object is copied,
// so later mutation by the caller cannot change the store.
func (m *MemoryEntityStore) Seed(tenantID, model, entityID string, snapshot field.Object) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make(field.Object, len(snapshot))
	for k, v := range snapshot {
		copied[k] = v
	}
	m.entities[entityKey(tenantID, model, entityID)] = copied
}

// Snapshot returns a copy of the entity's current fields.
func (m *MemoryEntityStore) Snapshot(tenantID, model, entityID string) (field.Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.entities[entityKey(tenantID, model, entityID)]
	if !ok {
		return nil, false
	}
	copied := make(field.Object, len(obj))
	for k, v := range obj {
		copied[k] = v
	}
	return copied, true
}

// FailWriteField makes the next write to the named field return err.
// For failure-isolation tests.
func (m *MemoryEntityStore) FailWriteField(fieldName string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOn[fieldName] = err
}

// WriteField implements EntityStore.
func (m *MemoryEntityStore) WriteField(_ context.Context, tenantID, model, entityID, fieldName string, value field.Value) (field.Value, field.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.failOn[fieldName]; ok {
		delete(m.failOn, fieldName)
		return nil, nil, err
	}

	key := entityKey(tenantID, model, entityID)
	obj, ok := m.entities[key]
	if !ok {
		return nil, nil, fmt.Errorf("entity not found: %s", key)
	}

	old, ok := obj[fieldName]
	if !ok {
		old = field.Null{}
	}
	obj[fieldName] = value

	snapshot := make(field.Object, len(obj))
	for k, v := range obj {
		snapshot[k] = v
	}
	m.writes = append(m.writes, EntityWrite{
		TenantID:  tenantID,
		Model:     model,
		EntityID:  entityID,
		FieldName: fieldName,
		Old:       old,
		New:       value,
	})
	return old, snapshot, nil
}

// Writes returns all recorded writes in call order.
func (m *MemoryEntityStore) Writes() []EntityWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EntityWrite, len(m.writes))
	copy(out, m.writes)
	return out
}

// WriteCount returns how many writes hit the named field.
func (m *MemoryEntityStore) WriteCount(fieldName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, w := range m.writes {
		if w.FieldName == fieldName {
			n++
		}
	}
	return n
}
