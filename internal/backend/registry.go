package backend

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// DefaultWorkflow is the registry key of the backend used for workflows
// without a dedicated registration.
const DefaultWorkflow = "*"

// ErrNoBackend is returned by Resolve when neither the workflow nor the
// default has a registered backend.
var ErrNoBackend = errors.New("no backend for workflow")

// BackendInfo pairs a registry key with the backend's capabilities.
type BackendInfo struct {
	Workflow     string       `json:"workflow"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry maps workflow names to the backends that execute them.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// Register routes workflow to b. Use DefaultWorkflow to register the fallback.
func (r *Registry) Register(workflow string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[workflow] = b
}

// Resolve returns the backend registered for workflow, falling back to the
// default backend.
func (r *Registry) Resolve(workflow string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if b, ok := r.backends[workflow]; ok {
		return b, nil
	}
	if b, ok := r.backends[DefaultWorkflow]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("%w %q", ErrNoBackend, workflow)
}

// List returns all registrations sorted by workflow name.
func (r *Registry) List() []BackendInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]BackendInfo, 0, len(r.backends))
	for workflow, b := range r.backends {
		infos = append(infos, BackendInfo{
			Workflow:     workflow,
			Capabilities: b.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Workflow < infos[j].Workflow
	})
	return infos
}
