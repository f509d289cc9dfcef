package usecase

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/user/download-manager/internal/executor"
	"github.com/user/download-manager/internal/repository"
	"github.com/user/download-manager/pkg/metrics"
	"go.uber.org/zap"
)

var (
	ErrInvalidURL       = errors.New("invalid url")
	ErrSkipListed       = errors.New("url is on the skip list")
	ErrInvalidFrequency = errors.New("frequency must be at least one second")
	ErrDisabled         = errors.New("download manager is disabled")
	ErrInFlight         = errors.New("download is in flight")
)

const (
	defaultWorkers       = 4
	defaultPollInterval  = 5 * time.Second
	defaultSweepInterval = time.Minute
	defaultRetention     = 30 * 24 * time.Hour

	pageSize            = 100
	outcomeWriteTimeout = 30 * time.Second
)

// Config tunes the dispatch loop.
type Config struct {
	Workers       int
	PollInterval  time.Duration
	SweepInterval time.Duration
	// GlobalTimeout overrides every executor's timeout when positive. Nil or
	// zero leaves each executor's own timeout in place.
	GlobalTimeout *time.Duration
	Retention     time.Duration
	// Location anchors the recurrence epoch. Defaults to UTC.
	Location *time.Location
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMetrics records dispatch metrics on mt.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// Manager schedules downloads, dispatches them to executors on a worker
// pool, and keeps at most one download in flight per domain.
type Manager struct {
	cfg      Config
	repo     repository.DownloadRepository
	skips    repository.SkipListRepository
	domains  repository.DomainLockRepository
	registry *executor.Registry
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	// claimMu serializes the domain acquire + claim pair.
	claimMu sync.Mutex

	lifeMu   sync.Mutex
	running  atomic.Bool
	disabled atomic.Bool
	stop     func(cause error)
	wg       sync.WaitGroup
	wake     chan struct{}

	inflightMu sync.Mutex
	inflight   map[int64]func(cause error)
}

func NewManager(
	cfg Config,
	repo repository.DownloadRepository,
	skips repository.SkipListRepository,
	domains repository.DomainLockRepository,
	registry *executor.Registry,
	logger *zap.Logger,
	opts ...Option,
) *Manager {
	cfg.setDefaults()
	m := &Manager{
		cfg:      cfg,
		repo:     repo,
		skips:    skips,
		domains:  domains,
		registry: registry,
		logger:   logger.Named("manager"),
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		inflight: make(map[int64]func(cause error)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// signal wakes one idle worker.
func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) trackInflight(id int64, cancel func(cause error)) {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	m.inflight[id] = cancel
}

func (m *Manager) untrackInflight(id int64) {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	delete(m.inflight, id)
}

// cancelInflight cancels the running fetch of id, reporting whether one
// was running in this process.
func (m *Manager) cancelInflight(id int64, cause error) bool {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	cancel, ok := m.inflight[id]
	if ok {
		cancel(cause)
	}
	return ok
}
