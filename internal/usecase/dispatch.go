package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/user/download-manager/internal/entity"
	"github.com/user/download-manager/internal/executor"
	"github.com/user/download-manager/internal/repository"
	"go.uber.org/zap"
)

// errAdmission marks failures to admit discovered URLs.
var errAdmission = errors.New("admit discovered urls")

type verdict int

const (
	verdictSuccess verdict = iota
	verdictTransient
	verdictPermanent
	verdictUnresolved
	verdictKilled
	verdictStopped
)

// RunOnce claims one eligible download, executes it and records the outcome.
// It reports whether a download was dispatched. Executor failures are
// recorded on the download; the returned error is a store failure or a
// broken invariant.
func (m *Manager) RunOnce(ctx context.Context) (bool, error) {
	if m.disabled.Load() {
		return false, ErrDisabled
	}

	d, domain, err := m.claimNext(ctx)
	if err != nil {
		return false, err
	}
	if d == nil {
		return false, nil
	}
	defer m.signal()
	defer m.releaseDomain(ctx, domain)

	return true, m.run(ctx, d)
}

// claimNext scans new downloads by id and claims the first one whose domain
// is free. Downloads on occupied domains are skipped, not waited on.
func (m *Manager) claimNext(ctx context.Context) (*entity.Download, string, error) {
	m.claimMu.Lock()
	defer m.claimMu.Unlock()

	var c cursor
	for {
		page, err := m.repo.ListPage(ctx, entity.StatusNew, c.after, pageSize)
		if err != nil {
			return nil, "", errors.Wrap(err, "list new downloads")
		}
		if len(page) == 0 {
			return nil, "", nil
		}
		if err := c.advance(page); err != nil {
			return nil, "", err
		}

		for _, d := range page {
			domain := d.Domain()
			if domain == "" {
				continue
			}
			ok, err := m.domains.TryAcquire(ctx, domain)
			if err != nil {
				return nil, "", errors.Wrapf(err, "acquire domain %s", domain)
			}
			if !ok {
				continue
			}

			claimed, err := m.repo.Claim(ctx, d.ID, m.now())
			if err != nil {
				m.releaseDomain(ctx, domain)
				if errors.Is(err, repository.ErrNotClaimable) {
					continue
				}
				return nil, "", err
			}
			return claimed, domain, nil
		}

		if len(page) < pageSize {
			return nil, "", nil
		}
	}
}

func (m *Manager) releaseDomain(ctx context.Context, domain string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeWriteTimeout)
	defer cancel()
	if err := m.domains.Release(ctx, domain); err != nil {
		m.logger.Error("Failed to release domain", zap.String("domain", domain), zap.Error(err))
	}
}

func (m *Manager) run(ctx context.Context, d *entity.Download) error {
	logger := m.logger.With(zap.Int64("id", d.ID), zap.String("url", d.URL))
	started := time.Now()

	// Kill, Delete and Stop reach the download from the moment it is claimed,
	// including while the executor is probed.
	fetchCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	m.trackInflight(d.ID, cancel)
	defer m.untrackInflight(d.ID)

	ex, err := m.resolve(fetchCtx, d)
	if err != nil {
		v, reason := verdictUnresolved, err.Error()
		if fetchCtx.Err() != nil {
			v, reason = classify(nil, context.Cause(fetchCtx), err)
		}
		logger.Warn("Could not resolve executor", zap.Stringer("verdict", v), zap.Error(err))
		m.metrics.Dispatched("none")
		return m.finish(ctx, d, "none", v, nil, reason, started, logger)
	}

	name := ex.Info().Name
	logger = logger.With(zap.String("executor", name))
	logger.Info("Dispatching download", zap.Int("attempt", d.Attempts))
	m.metrics.Dispatched(name)

	outcome, cause, err := m.execute(fetchCtx, ex, d)
	v, reason := classify(outcome, cause, err)
	if v != verdictSuccess {
		logger.Warn("Download did not succeed", zap.Stringer("verdict", v), zap.String("reason", reason))
	}
	return m.finish(ctx, d, name, v, outcome, reason, started, logger)
}

// resolve returns the stored executor, or probes the registry and records
// the match on d.
func (m *Manager) resolve(ctx context.Context, d *entity.Download) (executor.Executor, error) {
	if d.ExecutorName != "" {
		return m.registry.Lookup(d.ExecutorName)
	}
	ex, meta, err := m.registry.Match(ctx, d.URL)
	if err != nil {
		return nil, err
	}
	d.ExecutorName = ex.Info().Name
	if len(meta) > 0 {
		d.Metadata = meta
	}
	return ex, nil
}

// execute runs the fetch under fetchCtx, bounded by the resolved timeout.
// cause is set when that context ended before the executor returned.
func (m *Manager) execute(fetchCtx context.Context, ex executor.Executor, d *entity.Download) (outcome *entity.Outcome, cause, err error) {
	execCtx := fetchCtx
	if timeout := executor.ResolveTimeout(m.cfg.GlobalTimeout, ex); timeout > 0 {
		var cancelTimeout context.CancelFunc
		execCtx, cancelTimeout = context.WithTimeoutCause(fetchCtx, timeout, errors.Newf("timed out after %s", timeout))
		defer cancelTimeout()
	}

	snapshot := *d
	outcome, err = safeExecute(execCtx, ex, &snapshot)
	if execCtx.Err() != nil {
		cause = context.Cause(execCtx)
	}
	return outcome, cause, err
}

func safeExecute(ctx context.Context, ex executor.Executor, d *entity.Download) (outcome *entity.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = nil
			err = errors.Newf("executor %s panicked: %v", ex.Info().Name, r)
		}
	}()
	return ex.Execute(ctx, d)
}

func classify(outcome *entity.Outcome, cause, err error) (verdict, string) {
	switch {
	case err == nil && outcome != nil && outcome.Success:
		return verdictSuccess, ""
	case errors.Is(cause, errKilled):
		return verdictKilled, errKilled.Error()
	case errors.Is(cause, errStopped), errors.Is(cause, errDeleted):
		return verdictStopped, cause.Error()
	case err != nil && executor.IsPermanent(err):
		return verdictPermanent, err.Error()
	case cause != nil:
		return verdictTransient, cause.Error()
	case err != nil:
		return verdictTransient, err.Error()
	case outcome == nil:
		return verdictTransient, "executor returned no outcome"
	case outcome.Error != "":
		return verdictTransient, outcome.Error
	default:
		return verdictTransient, "executor reported failure"
	}
}

// finish records the outcome of a dispatch. It runs detached from ctx so a
// stop still records results.
func (m *Manager) finish(
	ctx context.Context,
	d *entity.Download,
	executorName string,
	v verdict,
	outcome *entity.Outcome,
	reason string,
	started time.Time,
	logger *zap.Logger,
) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeWriteTimeout)
	defer cancel()
	now := m.now()

	var (
		admissions []admission
		planErr    error
	)
	if v == verdictSuccess && len(outcome.DiscoveredURLs) > 0 {
		admissions, planErr = m.planDiscovered(ctx, d, outcome.DiscoveredURLs)
	}

	var final *entity.Download
	var violation error
	err := m.repo.WithTx(ctx, func(tx repository.DownloadRepository) error {
		cur, err := m.reload(ctx, tx, d)
		if err != nil || cur == nil {
			return err
		}
		if planErr != nil {
			return errors.Mark(planErr, errAdmission)
		}
		violation, err = m.transition(ctx, tx, cur, v, outcome, reason, now)
		if err != nil {
			return err
		}
		if err := tx.Update(ctx, cur); err != nil {
			return err
		}
		created, err := m.admitAll(ctx, tx, admissions, false)
		if err != nil {
			return errors.Mark(err, errAdmission)
		}
		if len(created) > 0 {
			logger.Info("Admitted discovered URLs", zap.Int("count", len(created)))
		}
		final = cur
		return nil
	})

	if errors.Is(err, errAdmission) {
		logger.Warn("Discovered URLs were not admitted, deferring download", zap.Error(err))
		reason := err.Error()
		err = m.repo.WithTx(ctx, func(tx repository.DownloadRepository) error {
			cur, err := m.reload(ctx, tx, d)
			if err != nil || cur == nil {
				return err
			}
			m.deferWithBackoff(cur, reason, now)
			final = cur
			return tx.Update(ctx, cur)
		})
	}
	if err != nil {
		m.metrics.Finished(executorName, "error", time.Since(started))
		return errors.Wrapf(err, "record outcome of download %d", d.ID)
	}
	if final == nil {
		m.metrics.Finished(executorName, "dropped", time.Since(started))
		return nil
	}

	m.metrics.Finished(executorName, string(final.Status), time.Since(started))
	logger.Info("Download finished", zap.String("status", string(final.Status)), zap.Duration("duration", time.Since(started)))
	if violation != nil {
		m.metrics.InvariantViolation()
		logger.Error("Permanent failure reported for a recurring download", zap.Error(violation))
		return violation
	}
	return nil
}

// reload re-reads d inside tx. It returns nil when the download was deleted
// or changed by someone else while in flight, in which case the outcome is
// dropped.
func (m *Manager) reload(ctx context.Context, tx repository.DownloadRepository, d *entity.Download) (*entity.Download, error) {
	cur, err := tx.Get(ctx, d.ID)
	if errors.Is(err, repository.ErrNotFound) {
		m.logger.Info("Download deleted while in flight", zap.Int64("id", d.ID))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if cur.Status != entity.StatusPending {
		m.logger.Warn("Download changed while in flight, dropping outcome",
			zap.Int64("id", d.ID), zap.String("status", string(cur.Status)))
		return nil, nil
	}
	if cur.ExecutorName == "" {
		cur.ExecutorName = d.ExecutorName
	}
	if len(cur.Metadata) == 0 {
		cur.Metadata = d.Metadata
	}
	return cur, nil
}

// transition applies the verdict to d. A permanent failure on a recurring
// download defers it and is returned as violation.
func (m *Manager) transition(
	ctx context.Context,
	tx repository.DownloadRepository,
	d *entity.Download,
	v verdict,
	outcome *entity.Outcome,
	reason string,
	now time.Time,
) (violation error, err error) {
	switch v {
	case verdictSuccess:
		d.Complete(now, outcome.Location, outcome.Metadata)
		d.NextScheduledAt = nil
		if d.IsRecurring() {
			next, err := m.slotFor(ctx, tx, d, now)
			if err != nil {
				return nil, err
			}
			d.NextScheduledAt = &next
		}
	case verdictPermanent, verdictUnresolved, verdictKilled:
		if err := d.Fail(reason); err != nil {
			if v == verdictPermanent {
				violation = errors.Wrapf(err, "executor %s reported a permanent failure: %s", d.ExecutorName, reason)
				reason = violation.Error()
			}
			m.deferWithBackoff(d, reason, now)
			return violation, nil
		}
		d.NextScheduledAt = nil
	case verdictStopped:
		d.Defer(reason)
		d.NextScheduledAt = &now
	default:
		m.deferWithBackoff(d, reason, now)
	}
	return nil, nil
}

func (m *Manager) deferWithBackoff(d *entity.Download, reason string, now time.Time) {
	d.Defer(reason)
	next := now.Add(backoff(d.Attempts, d.Frequency)).UTC()
	d.NextScheduledAt = &next
}

// slotFor places d on the zig-zag spread of the downloads sharing its
// frequency.
func (m *Manager) slotFor(ctx context.Context, tx repository.DownloadRepository, d *entity.Download, now time.Time) (time.Time, error) {
	ids, err := tx.RecurringIDs(ctx, d.Frequency)
	if err != nil {
		return time.Time{}, err
	}
	for i, id := range ids {
		if id == d.ID {
			return recurrenceSlot(now, d.Frequency, i, m.cfg.Location), nil
		}
	}
	return time.Time{}, errors.AssertionFailedf("download %d missing from recurring ids for frequency %s", d.ID, d.Frequency)
}

// planDiscovered resolves executors for URLs reported by an executor. URLs
// that are skip-listed, already done, or that no executor accepts are left
// out.
func (m *Manager) planDiscovered(ctx context.Context, parent *entity.Download, urls []string) ([]admission, error) {
	opts := ScheduleOptions{Executor: parent.SubExecutorName}
	seen := make(map[string]bool, len(urls))

	var admissions []admission
	for _, raw := range urls {
		if seen[raw] || raw == parent.URL {
			continue
		}
		seen[raw] = true

		if m.skips.Contains(raw) {
			m.logger.Warn("Skipping skip-listed discovered URL", zap.String("url", raw), zap.Int64("parent", parent.ID))
			continue
		}
		a, err := m.plan(ctx, raw, opts, 0)
		switch {
		case errors.Is(err, ErrInvalidURL), errors.Is(err, executor.ErrNoExecutor):
			m.logger.Warn("Ignoring discovered URL", zap.String("url", raw), zap.Error(err))
			continue
		case err != nil:
			return nil, err
		}
		if a.exec.AlreadyDone(ctx, raw) {
			m.logger.Debug("Discovered URL already done", zap.String("url", raw))
			continue
		}
		admissions = append(admissions, a)
	}
	return admissions, nil
}

func (v verdict) String() string {
	switch v {
	case verdictSuccess:
		return "success"
	case verdictTransient:
		return "transient"
	case verdictPermanent:
		return "permanent"
	case verdictUnresolved:
		return "unresolved"
	case verdictKilled:
		return "killed"
	case verdictStopped:
		return "stopped"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}
