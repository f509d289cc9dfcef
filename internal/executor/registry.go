package executor

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

var (
	ErrDuplicateExecutor = errors.New("executor already registered")
	ErrInvalidPriority   = errors.New("executor priority must be between 0 and 100")
	ErrUnknownExecutor   = errors.New("unknown executor")
	ErrNoExecutor        = errors.New("no executor matches url")
)

// Registry holds executors ordered by ascending priority.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]Executor
	ordered []Executor
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Executor)}
}

// Register adds e. Names are unique and priorities range over 0-100.
func (r *Registry) Register(e Executor) error {
	info := e.Info()
	if info.Name == "" {
		return errors.New("executor name is required")
	}
	if info.Priority < 0 || info.Priority > 100 {
		return errors.WithDetailf(ErrInvalidPriority, "%s has priority %d", info.Name, info.Priority)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[info.Name]; exists {
		return errors.WithDetailf(ErrDuplicateExecutor, "name %q", info.Name)
	}
	r.byName[info.Name] = e
	r.ordered = append(r.ordered, e)
	sort.SliceStable(r.ordered, func(i, j int) bool {
		return r.ordered[i].Info().Priority < r.ordered[j].Info().Priority
	})
	return nil
}

// Lookup returns the executor registered as name.
func (r *Registry) Lookup(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byName[name]
	if !ok {
		return nil, errors.WithDetailf(ErrUnknownExecutor, "name %q", name)
	}
	return e, nil
}

// Match probes executors in priority order and returns the first that
// accepts rawURL along with its metadata.
func (r *Registry) Match(ctx context.Context, rawURL string) (Executor, json.RawMessage, error) {
	r.mu.RLock()
	candidates := make([]Executor, len(r.ordered))
	copy(candidates, r.ordered)
	r.mu.RUnlock()

	for _, e := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if ok, meta := e.Matches(ctx, rawURL); ok {
			return e, meta, nil
		}
	}
	return nil, nil, errors.WithDetailf(ErrNoExecutor, "url %q", rawURL)
}

// Listable returns the user-facing executors in priority order.
func (r *Registry) Listable() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var infos []Info
	for _, e := range r.ordered {
		if info := e.Info(); info.Listable {
			infos = append(infos, info)
		}
	}
	return infos
}

// Names returns every registered name in priority order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.ordered))
	for _, e := range r.ordered {
		names = append(names, e.Info().Name)
	}
	return names
}
