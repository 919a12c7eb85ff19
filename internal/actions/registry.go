package actions

import (
	"sort"
	"strings"
	"sync"

	"github.com/rendis/chainflow/pkg/schema"
)

// Registry resolves action names used by Action steps. It is filled at
// startup and read concurrently by executions.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds a batch of actions. The batch is all-or-nothing: a nil
// action, a blank name or a name already taken (in the registry or earlier
// in the batch) rejects every action in it.
func (r *Registry) Register(batch ...Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := make(map[string]Action, len(batch))
	for i, a := range batch {
		if a == nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "action %d is nil", i)
		}
		name := a.Name()
		if strings.TrimSpace(name) == "" || strings.ContainsAny(name, " \t\n") {
			return schema.NewErrorf(schema.ErrCodeValidation, "action name %q is not a valid identifier", name)
		}
		if _, taken := r.actions[name]; taken {
			return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", name)
		}
		if _, taken := pending[name]; taken {
			return schema.NewErrorf(schema.ErrCodeConflict, "action %q appears twice", name)
		}
		pending[name] = a
	}

	for name, a := range pending {
		r.actions[name] = a
	}
	return nil
}

// Get returns the named action or ACTION_UNAVAILABLE.
func (r *Registry) Get(name string) (Action, error) {
	r.mu.RLock()
	a, ok := r.actions[name]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "action %q not registered", name)
	}
	return a, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[name]
	return ok
}

// List describes every action with its retry default and cost profile,
// ordered by name.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	infos := make([]ActionInfo, 0, len(r.actions))
	for name, a := range r.actions {
		s := a.Schema()
		infos = append(infos, ActionInfo{
			Name:           name,
			Description:    s.Description,
			DefaultRetries: s.DefaultRetries,
			FunctionCalls:  s.FunctionCalls,
			GasEstimate:    s.GasEstimate,
			InputSchema:    s.InputSchema,
		})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
