package memory

import (
	"context"
	"sort"
	"sync"
)

// DomainLocks is the in-process domain admission tracker.
type DomainLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewDomainLocks() *DomainLocks {
	return &DomainLocks{held: make(map[string]struct{})}
}

func (l *DomainLocks) TryAcquire(_ context.Context, domain string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[domain]; busy {
		return false, nil
	}
	l.held[domain] = struct{}{}
	return true, nil
}

func (l *DomainLocks) Release(_ context.Context, domain string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.held, domain)
	return nil
}

func (l *DomainLocks) Held(context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	domains := make([]string, 0, len(l.held))
	for d := range l.held {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	return domains, nil
}
