// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/user/download-manager/internal/adapter/sqlstore"
	"github.com/user/download-manager/internal/entity"
	"github.com/user/download-manager/internal/executor"
	"go.uber.org/zap"
)

// NewTestRepo opens a migrated SQLite store in a temporary directory.
func NewTestRepo(t *testing.T) *sqlstore.DownloadRepoImpl {
	t.Helper()
	db, err := sqlstore.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "downloads.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlstore.NewDownloadRepo(db)
}

// StubExecutor is a configurable executor. By default it matches URLs with
// Prefix and succeeds.
type StubExecutor struct {
	Name     string
	Priority int
	Listable bool
	Timeout  time.Duration
	Prefix   string
	Meta     json.RawMessage

	// ExecuteFunc replaces the default successful outcome when set.
	ExecuteFunc func(ctx context.Context, d *entity.Download) (*entity.Outcome, error)
	// MatchFunc replaces the prefix match when set.
	MatchFunc func(ctx context.Context, rawURL string) (bool, json.RawMessage)

	mu    sync.Mutex
	done  map[string]bool
	calls []string
}

func (s *StubExecutor) Info() executor.Info {
	return executor.Info{
		Name:       s.Name,
		PrettyName: strings.ToUpper(s.Name),
		Priority:   s.Priority,
		Listable:   s.Listable,
		Timeout:    s.Timeout,
	}
}

func (s *StubExecutor) Matches(ctx context.Context, rawURL string) (bool, json.RawMessage) {
	if s.MatchFunc != nil {
		return s.MatchFunc(ctx, rawURL)
	}
	if strings.HasPrefix(rawURL, s.Prefix) {
		return true, s.Meta
	}
	return false, nil
}

func (s *StubExecutor) AlreadyDone(_ context.Context, rawURL string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done[rawURL]
}

// MarkDone makes AlreadyDone report true for rawURL.
func (s *StubExecutor) MarkDone(rawURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		s.done = make(map[string]bool)
	}
	s.done[rawURL] = true
}

func (s *StubExecutor) Execute(ctx context.Context, d *entity.Download) (*entity.Outcome, error) {
	s.mu.Lock()
	s.calls = append(s.calls, d.URL)
	fn := s.ExecuteFunc
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, d)
	}
	return &entity.Outcome{Success: true, Location: "/media/" + filepath.Base(d.URL)}, nil
}

// Calls returns the URLs executed so far, in order.
func (s *StubExecutor) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// NewRegistry registers executors and fails the test on error.
func NewRegistry(t *testing.T, executors ...executor.Executor) *executor.Registry {
	t.Helper()
	r := executor.NewRegistry()
	for _, e := range executors {
		require.NoError(t, r.Register(e))
	}
	return r
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *Clock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}
