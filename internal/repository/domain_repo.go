package repository

import "context"

// DomainLockRepository records which network hosts have a download in flight.
type DomainLockRepository interface {
	// TryAcquire atomically occupies domain. It returns false if the domain
	// is already occupied.
	TryAcquire(ctx context.Context, domain string) (bool, error)
	// Release frees domain. Releasing a free domain is not an error.
	Release(ctx context.Context, domain string) error
	// Held lists the occupied domains.
	Held(ctx context.Context) ([]string, error)
}
