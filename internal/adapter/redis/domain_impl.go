package redis

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const domainKeyPrefix = "dlmanager:domain:"

// releaseScript deletes the lease only when this process still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript renews the lease only when this process still owns it.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// DomainLocks is a domain admission tracker shared by every process using the
// same Redis. Each held domain is a lease that expires after ttl. While this
// process holds a domain the lease is renewed every ttl/3, so only a crashed
// process lets a lease run out.
type DomainLocks struct {
	client *redis.Client
	owner  string
	ttl    time.Duration

	mu     sync.Mutex
	leases map[string]context.CancelFunc
}

// NewDomainLocks creates a tracker whose leases live for ttl. A ttl of zero
// makes leases permanent until released.
func NewDomainLocks(client *redis.Client, ttl time.Duration) *DomainLocks {
	return &DomainLocks{
		client: client,
		owner:  uuid.NewString(),
		ttl:    ttl,
		leases: make(map[string]context.CancelFunc),
	}
}

func (l *DomainLocks) key(domain string) string {
	return domainKeyPrefix + domain
}

// TryAcquire sets the lease with NX, which is atomic on the server.
func (l *DomainLocks) TryAcquire(ctx context.Context, domain string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(domain), l.owner, l.ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "acquire domain %s", domain)
	}
	if ok && l.ttl > 0 {
		l.keepAlive(ctx, domain)
	}
	return ok, nil
}

// keepAlive renews the lease on domain until Release or until the lease is
// found to belong to someone else.
func (l *DomainLocks) keepAlive(ctx context.Context, domain string) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.mu.Lock()
	if stop, ok := l.leases[domain]; ok {
		stop()
	}
	l.leases[domain] = cancel
	l.mu.Unlock()

	go func() {
		ticker := time.NewTicker(max(l.ttl/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if held, err := l.extend(ctx, domain); err == nil && !held {
					return
				}
			}
		}
	}()
}

func (l *DomainLocks) extend(ctx context.Context, domain string) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{l.key(domain)}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, errors.Wrapf(err, "extend domain %s", domain)
	}
	return n == 1, nil
}

func (l *DomainLocks) Release(ctx context.Context, domain string) error {
	l.mu.Lock()
	if stop, ok := l.leases[domain]; ok {
		stop()
		delete(l.leases, domain)
	}
	l.mu.Unlock()

	err := releaseScript.Run(ctx, l.client, []string{l.key(domain)}, l.owner).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return errors.Wrapf(err, "release domain %s", domain)
	}
	return nil
}

// Held lists domains leased by any process.
func (l *DomainLocks) Held(ctx context.Context) ([]string, error) {
	var domains []string
	iter := l.client.Scan(ctx, 0, domainKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		domains = append(domains, strings.TrimPrefix(iter.Val(), domainKeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "scan domains")
	}
	return domains, nil
}
