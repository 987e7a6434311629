package circuit

import (
	"sort"
	"sync"
)

// Registry owns one Breaker per name for the lifetime of the process.
// Callers share breakers by name, so state carries across runs.
type Registry struct {
	mu       sync.Mutex
	defaults []Option
	perName  map[string][]Option
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers start from defaults.
func NewRegistry(defaults ...Option) *Registry {
	return &Registry{
		defaults: defaults,
		perName:  make(map[string][]Option),
		breakers: make(map[string]*Breaker),
	}
}

// Configure sets options for a name. It only affects breakers not yet created.
func (r *Registry) Configure(name string, opts ...Option) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perName[name] = append(r.perName[name], opts...)
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	opts := make([]Option, 0, len(r.defaults)+len(r.perName[name]))
	opts = append(opts, r.defaults...)
	opts = append(opts, r.perName[name]...)
	b := New(name, opts...)
	r.breakers[name] = b
	return b
}

// Snapshot returns the state of every breaker created so far, sorted by name.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
