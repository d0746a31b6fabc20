package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store and DefinitionStore. It backs
// ephemeral runs where persistence across restarts is not needed, and
// engine tests.
type MemoryStore struct {
	mu          sync.RWMutex
	executions  map[string]*Execution
	steps       map[string]map[string]*StepRecord
	events      map[string][]*Event
	definitions map[string]*Definition
	nextEventID int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions:  make(map[string]*Execution),
		steps:       make(map[string]map[string]*StepRecord),
		events:      make(map[string][]*Event),
		definitions: make(map[string]*Definition),
	}
}

func (m *MemoryStore) CreateExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.executions[exec.ID]; exists {
		return storeConflict("execution", exec.ID)
	}
	cp := *exec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = cp.CreatedAt
	m.executions[exec.ID] = &cp
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exec, ok := m.executions[id]
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	cp := *exec
	return &cp, nil
}

func (m *MemoryStore) UpdateExecution(_ context.Context, id string, update ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.executions[id]
	if !ok {
		return storeNotFound("execution", id)
	}
	if update.Status != nil {
		exec.Status = *update.Status
	}
	if update.Output != nil {
		exec.Output = update.Output
	}
	if update.Error != nil {
		exec.Error = update.Error
	}
	if update.TotalCostUSD != nil {
		exec.TotalCostUSD = *update.TotalCostUSD
	}
	if update.StartedAt != nil {
		exec.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		exec.CompletedAt = update.CompletedAt
	}
	exec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Execution
	for _, exec := range m.executions {
		if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && exec.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && exec.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := *exec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) UpsertStepRecord(_ context.Context, rec *StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byStep, ok := m.steps[rec.ExecutionID]
	if !ok {
		byStep = make(map[string]*StepRecord)
		m.steps[rec.ExecutionID] = byStep
	}
	cp := *rec
	byStep[rec.StepID] = &cp
	return nil
}

func (m *MemoryStore) GetStepRecord(_ context.Context, executionID, stepID string) (*StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.steps[executionID][stepID]
	if !ok {
		return nil, storeNotFound("step_record", executionID+"/"+stepID)
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) ListStepRecords(_ context.Context, executionID string) ([]*StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*StepRecord
	for _, rec := range m.steps[executionID] {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.StartedAt == nil || b.StartedAt == nil {
			return a.StepID < b.StepID
		}
		return a.StartedAt.Before(*b.StartedAt)
	})
	return out, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextEventID++
	cp := *event
	cp.ID = m.nextEventID
	cp.Sequence = int64(len(m.events[event.ExecutionID]) + 1)
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	m.events[event.ExecutionID] = append(m.events[event.ExecutionID], &cp)
	event.Sequence = cp.Sequence
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, executionID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for _, e := range m.events[executionID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveDefinition(_ context.Context, def *Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *def
	now := time.Now().UTC()
	if existing, ok := m.definitions[def.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.definitions[def.ID] = &cp
	return nil
}

func (m *MemoryStore) GetDefinition(_ context.Context, id string) (*Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	def, ok := m.definitions[id]
	if !ok {
		return nil, storeNotFound("definition", id)
	}
	cp := *def
	return &cp, nil
}

func (m *MemoryStore) ListDefinitions(_ context.Context) ([]*Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Definition
	for _, def := range m.definitions {
		cp := *def
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) DeleteDefinition(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.definitions[id]; !ok {
		return storeNotFound("definition", id)
	}
	delete(m.definitions, id)
	return nil
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Vacuum(context.Context) error  { return nil }
func (m *MemoryStore) Close() error                  { return nil }
