package usecase

import (
	"context"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

var (
	errStopped = errors.New("download manager stopped")
	errKilled  = errors.New("download killed")
	errDeleted = errors.New("download deleted")
)

// ManagerStatus is a snapshot of the manager's lifecycle state.
type ManagerStatus struct {
	Running     bool     `json:"running"`
	Disabled    bool     `json:"disabled"`
	Workers     int      `json:"workers"`
	InFlight    []int64  `json:"in_flight"`
	HeldDomains []string `json:"held_domains"`
}

// Start recovers downloads left pending by an unclean shutdown and launches
// the workers and the renewal sweeper. It is a no-op while running.
func (m *Manager) Start(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.disabled.Load() {
		return ErrDisabled
	}
	if m.running.Load() {
		return nil
	}

	n, err := m.repo.DeferPending(ctx, m.now(), "interrupted before completion")
	if err != nil {
		return errors.Wrap(err, "recover pending downloads")
	}
	if n > 0 {
		m.logger.Warn("Deferred downloads left pending by a previous run", zap.Int64("count", n))
	}

	runCtx, cancel := context.WithCancelCause(context.Background())
	m.stop = cancel
	for i := range m.cfg.Workers {
		m.wg.Add(1)
		go m.worker(runCtx, i)
	}
	m.wg.Add(1)
	go m.sweeper(runCtx)

	m.running.Store(true)
	m.logger.Info("Download manager started", zap.Int("workers", m.cfg.Workers))
	return nil
}

// Stop cancels in-flight downloads, waits for the workers until ctx is done,
// and defers every download still pending so it is retried immediately on
// the next start.
func (m *Manager) Stop(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if !m.running.Load() {
		return nil
	}
	m.running.Store(false)
	m.stop(errStopped)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = errors.Wrap(ctx.Err(), "wait for workers")
		m.logger.Warn("Workers did not stop in time", zap.Error(ctx.Err()))
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeWriteTimeout)
	defer cancel()
	n, err := m.repo.DeferPending(writeCtx, m.now(), errStopped.Error())
	if err != nil {
		return errors.CombineErrors(waitErr, errors.Wrap(err, "defer pending downloads"))
	}
	m.logger.Info("Download manager stopped", zap.Int64("deferred", n))
	return waitErr
}

// KillAll stops the manager and refuses to start it again until Enable.
func (m *Manager) KillAll(ctx context.Context) error {
	m.disabled.Store(true)
	m.logger.Warn("Download manager disabled")
	return m.Stop(ctx)
}

// Enable clears the disabled flag and starts the manager.
func (m *Manager) Enable(ctx context.Context) error {
	m.disabled.Store(false)
	return m.Start(ctx)
}

func (m *Manager) Running() bool {
	return m.running.Load()
}

func (m *Manager) Disabled() bool {
	return m.disabled.Load()
}

func (m *Manager) Status(ctx context.Context) (*ManagerStatus, error) {
	held, err := m.domains.Held(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list held domains")
	}

	m.inflightMu.Lock()
	ids := make([]int64, 0, len(m.inflight))
	for id := range m.inflight {
		ids = append(ids, id)
	}
	m.inflightMu.Unlock()
	slices.Sort(ids)

	return &ManagerStatus{
		Running:     m.Running(),
		Disabled:    m.Disabled(),
		Workers:     m.cfg.Workers,
		InFlight:    ids,
		HeldDomains: held,
	}, nil
}

func (m *Manager) worker(ctx context.Context, n int) {
	defer m.wg.Done()
	logger := m.logger.With(zap.Int("worker", n))

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		dispatched, err := m.RunOnce(ctx)
		if err != nil && ctx.Err() == nil && !errors.Is(err, ErrDisabled) {
			logger.Error("Dispatch step failed", zap.Error(err))
		}
		if dispatched {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-ticker.C:
		}
	}
}

func (m *Manager) sweeper(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		if err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("Sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
