package deck

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry manages loaded cassettes by name.
type Registry struct {
	sync.RWMutex
	entries map[string]*Entry
	logger  *zap.Logger
}

// NewRegistry creates a new cassette registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		logger:  logger.With(zap.String("component", "deck-registry")),
	}
}

// Register adds a cassette to the registry.
func (r *Registry) Register(entry *Entry) error {
	r.Lock()
	defer r.Unlock()

	name := entry.Name()

	if _, exists := r.entries[name]; exists {
		return &CassetteAlreadyRegisteredError{Name: name}
	}

	r.entries[name] = entry

	r.logger.Info("Cassette registered", zap.String("name", name))

	return nil
}

// Get retrieves a cassette by name.
func (r *Registry) Get(name string) (*Entry, bool) {
	r.RLock()
	defer r.RUnlock()

	entry, ok := r.entries[name]
	return entry, ok
}

// List returns all registered cassettes ordered by name.
func (r *Registry) List() []*Entry {
	r.RLock()
	defer r.RUnlock()

	result := make([]*Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		result = append(result, entry)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name() < result[j].Name()
	})
	return result
}

// Unregister removes a cassette from the registry and returns it.
func (r *Registry) Unregister(name string) (*Entry, bool) {
	r.Lock()
	defer r.Unlock()

	entry, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	delete(r.entries, name)

	r.logger.Info("Cassette unregistered", zap.String("name", name))
	return entry, true
}

// Count returns the number of registered cassettes.
func (r *Registry) Count() int {
	r.RLock()
	defer r.RUnlock()

	return len(r.entries)
}
