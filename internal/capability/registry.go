package capability

import (
	"sort"
	"sync"

	"github.com/kinetiq/flowline/pkg/schema"
)

// Registry is a thread-safe lookup of invokers keyed by agent/operation.
type Registry struct {
	costs *CostTable

	mu       sync.RWMutex
	invokers map[string]Invoker
	caps     map[string]Capability
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		invokers: make(map[string]Invoker),
		caps:     make(map[string]Capability),
	}
}

// NewRegistryWithCosts creates a Registry that instruments every registered
// invoker with the cost table, so estimates track observed spend.
func NewRegistryWithCosts(costs *CostTable) *Registry {
	r := NewRegistry()
	r.costs = costs
	return r
}

// Register adds an invoker for an agent/operation pair. Returns error on
// duplicate registration.
func (r *Registry) Register(cap Capability, inv Invoker) error {
	if inv == nil {
		return schema.NewError(schema.ErrCodeValidation, "invoker is nil")
	}
	if cap.Agent == "" || cap.Operation == "" {
		return schema.NewError(schema.ErrCodeValidation, "capability agent and operation are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := cap.Key()
	if _, exists := r.invokers[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "capability %q already registered", key)
	}

	if r.costs != nil {
		inv = r.costs.Instrument(cap.Agent, cap.Operation, inv)
	}
	r.invokers[key] = inv
	r.caps[key] = cap
	return nil
}

// Get retrieves the invoker for an agent/operation pair.
func (r *Registry) Get(agent, operation string) (Invoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inv, ok := r.invokers[Key(agent, operation)]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"capability %q not registered", Key(agent, operation))
	}
	return inv, nil
}

// Has checks whether an agent/operation pair is registered.
func (r *Registry) Has(agent, operation string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.invokers[Key(agent, operation)]
	return ok
}

// List returns all registered capabilities, sorted by key.
func (r *Registry) List() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps := make([]Capability, 0, len(r.caps))
	for _, c := range r.caps {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool {
		return caps[i].Key() < caps[j].Key()
	})
	return caps
}

// Count returns the number of registered capabilities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.invokers)
}
