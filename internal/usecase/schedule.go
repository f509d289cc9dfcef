package usecase

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/user/download-manager/internal/entity"
	"github.com/user/download-manager/internal/executor"
	"github.com/user/download-manager/internal/repository"
	"go.uber.org/zap"
)

// ScheduleOptions controls how a URL is admitted.
type ScheduleOptions struct {
	// Executor names the executor to use instead of probing.
	Executor string `json:"executor,omitempty"`
	// SubExecutor handles the URLs discovered by this download.
	SubExecutor string `json:"sub_executor,omitempty"`
	// ResetAttempts requeues an existing download with zero attempts and
	// overrides the skip list.
	ResetAttempts bool `json:"reset_attempts,omitempty"`
}

type admission struct {
	url         string
	exec        executor.Executor
	executor    string
	explicit    bool
	subExecutor string
	metadata    json.RawMessage
	frequency   time.Duration
}

// ScheduleOne admits a single one-time download. Scheduling a URL that
// already has a download returns that download.
func (m *Manager) ScheduleOne(ctx context.Context, rawURL string, opts ScheduleOptions) (*entity.Download, error) {
	return m.scheduleSingle(ctx, rawURL, opts, 0)
}

// ScheduleRecurring admits a download fetched every frequency. Frequencies
// are kept in whole seconds.
func (m *Manager) ScheduleRecurring(ctx context.Context, rawURL string, frequency time.Duration, opts ScheduleOptions) (*entity.Download, error) {
	if frequency < time.Second {
		return nil, errors.WithDetailf(ErrInvalidFrequency, "got %s", frequency)
	}
	return m.scheduleSingle(ctx, rawURL, opts, frequency.Truncate(time.Second))
}

func (m *Manager) scheduleSingle(ctx context.Context, rawURL string, opts ScheduleOptions, frequency time.Duration) (*entity.Download, error) {
	rawURL = strings.TrimSpace(rawURL)
	skipped := m.skips.Contains(rawURL)
	if skipped && !opts.ResetAttempts {
		return nil, errors.WithDetailf(ErrSkipListed, "%s", rawURL)
	}

	a, err := m.plan(ctx, rawURL, opts, frequency)
	if err != nil {
		return nil, err
	}

	var d *entity.Download
	err = m.repo.WithTx(ctx, func(tx repository.DownloadRepository) error {
		d, err = m.admit(ctx, tx, a, opts.ResetAttempts)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "schedule %s", rawURL)
	}

	if skipped {
		if err := m.skips.Remove(rawURL); err != nil {
			return d, errors.Wrap(err, "remove url from skip list")
		}
		m.logger.Info("Removed URL from skip list", zap.String("url", rawURL))
	}
	m.logger.Info("Scheduled download", zap.Int64("id", d.ID), zap.String("url", d.URL), zap.String("executor", d.ExecutorName))
	m.signal()
	return d, nil
}

// ScheduleMany admits urls in one transaction: either every URL is admitted
// or none is. Skip-listed URLs are left out unless ResetAttempts is set.
func (m *Manager) ScheduleMany(ctx context.Context, urls []string, opts ScheduleOptions) ([]*entity.Download, error) {
	seen := make(map[string]bool, len(urls))
	var (
		admissions []admission
		unskip     []string
	)
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		if seen[raw] {
			continue
		}
		seen[raw] = true

		if m.skips.Contains(raw) {
			if !opts.ResetAttempts {
				m.logger.Warn("Skipping skip-listed URL", zap.String("url", raw))
				continue
			}
			unskip = append(unskip, raw)
		}
		a, err := m.plan(ctx, raw, opts, 0)
		if err != nil {
			return nil, err
		}
		admissions = append(admissions, a)
	}

	var downloads []*entity.Download
	err := m.repo.WithTx(ctx, func(tx repository.DownloadRepository) error {
		var err error
		downloads, err = m.admitAll(ctx, tx, admissions, opts.ResetAttempts)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "schedule urls")
	}

	if len(unskip) > 0 {
		if err := m.skips.Remove(unskip...); err != nil {
			return downloads, errors.Wrap(err, "remove urls from skip list")
		}
	}
	m.logger.Info("Scheduled downloads", zap.Int("count", len(downloads)))
	m.signal()
	return downloads, nil
}

// plan validates rawURL and resolves its executor without touching the
// store, so that probes never run inside a transaction.
func (m *Manager) plan(ctx context.Context, rawURL string, opts ScheduleOptions, frequency time.Duration) (admission, error) {
	if err := validateURL(rawURL); err != nil {
		return admission{}, err
	}
	a := admission{url: rawURL, subExecutor: opts.SubExecutor, frequency: frequency}

	if opts.Executor != "" {
		ex, err := m.registry.Lookup(opts.Executor)
		if err != nil {
			return admission{}, err
		}
		a.exec, a.executor, a.explicit = ex, opts.Executor, true
		if ok, meta := ex.Matches(ctx, rawURL); ok {
			a.metadata = meta
		}
	} else {
		ex, meta, err := m.registry.Match(ctx, rawURL)
		if err != nil {
			return admission{}, errors.WithDetailf(err, "url %s", rawURL)
		}
		a.exec, a.executor, a.metadata = ex, ex.Info().Name, meta
	}

	if opts.SubExecutor != "" {
		if _, err := m.registry.Lookup(opts.SubExecutor); err != nil {
			return admission{}, err
		}
	}
	return a, nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return errors.WithDetail(ErrInvalidURL, "empty url")
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.WithDetailf(ErrInvalidURL, "%q", rawURL)
	}
	return nil
}

func (m *Manager) admitAll(ctx context.Context, tx repository.DownloadRepository, admissions []admission, reset bool) ([]*entity.Download, error) {
	downloads := make([]*entity.Download, 0, len(admissions))
	for _, a := range admissions {
		d, err := m.admit(ctx, tx, a, reset)
		if err != nil {
			return nil, err
		}
		downloads = append(downloads, d)
	}
	return downloads, nil
}

// admit creates the download for a, or requeues the existing one. A pending
// download keeps its status; any other is renewed so it is fetched again.
func (m *Manager) admit(ctx context.Context, tx repository.DownloadRepository, a admission, reset bool) (*entity.Download, error) {
	d, err := tx.GetByURL(ctx, a.url)
	if errors.Is(err, repository.ErrNotFound) {
		d = &entity.Download{
			URL:             a.url,
			Status:          entity.StatusNew,
			ExecutorName:    a.executor,
			SubExecutorName: a.subExecutor,
			Frequency:       a.frequency,
			Metadata:        a.metadata,
		}
		return d, tx.Create(ctx, d)
	}
	if err != nil {
		return nil, err
	}

	changed := false
	if a.explicit && d.ExecutorName != a.executor {
		d.ExecutorName = a.executor
		d.Metadata = a.metadata
		changed = true
	}
	if a.subExecutor != "" && d.SubExecutorName != a.subExecutor {
		d.SubExecutorName = a.subExecutor
		changed = true
	}
	if a.frequency > 0 && d.Frequency != a.frequency {
		d.Frequency = a.frequency
		d.NextScheduledAt = nil
		changed = true
	}
	if d.Status != entity.StatusPending && (d.Status != entity.StatusNew || reset) {
		d.Renew(reset)
		changed = true
	}

	if changed {
		if err := tx.Update(ctx, d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (m *Manager) Get(ctx context.Context, id int64) (*entity.Download, error) {
	return m.repo.Get(ctx, id)
}

// Renew moves a download back to new, optionally resetting its attempts.
// Downloads in flight cannot be renewed.
func (m *Manager) Renew(ctx context.Context, id int64, resetAttempts bool) (*entity.Download, error) {
	var d *entity.Download
	err := m.repo.WithTx(ctx, func(tx repository.DownloadRepository) error {
		var err error
		if d, err = tx.Get(ctx, id); err != nil {
			return err
		}
		if d.Status == entity.StatusPending {
			return errors.WithDetailf(ErrInFlight, "id %d", id)
		}
		d.Renew(resetAttempts)
		return tx.Update(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	m.signal()
	return d, nil
}

// Kill cancels a pending download. A one-time download fails; a recurring
// one is deferred. Killing a download that is not pending does nothing.
func (m *Manager) Kill(ctx context.Context, id int64) error {
	d, err := m.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if d.Status != entity.StatusPending {
		return nil
	}
	if m.cancelInflight(id, errKilled) {
		m.logger.Info("Killed download", zap.Int64("id", id))
		return nil
	}

	// Pending without a local fetch: left over from another process.
	return m.repo.WithTx(ctx, func(tx repository.DownloadRepository) error {
		d, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if d.Status != entity.StatusPending {
			return nil
		}
		if err := d.Fail(errKilled.Error()); err != nil {
			m.deferWithBackoff(d, errKilled.Error(), m.now())
		}
		return tx.Update(ctx, d)
	})
}

// Delete removes a download, cancelling it if in flight. Failed downloads
// are added to the skip list.
func (m *Manager) Delete(ctx context.Context, id int64) (bool, error) {
	d, err := m.repo.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if d.Status == entity.StatusFailed {
		if err := m.skips.Add(d.URL); err != nil {
			return false, errors.Wrap(err, "add url to skip list")
		}
	}
	m.cancelInflight(id, errDeleted)

	n, err := m.repo.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListRecurring orders by next scheduled time, then frequency. A limit of
// zero lists everything.
func (m *Manager) ListRecurring(ctx context.Context, limit int) ([]*entity.Download, error) {
	return m.repo.ListRecurring(ctx, limit)
}

// ListOnce orders by status, then most recent success.
func (m *Manager) ListOnce(ctx context.Context, limit int) ([]*entity.Download, error) {
	return m.repo.ListOnce(ctx, limit)
}

func (m *Manager) SkipURLs(urls ...string) error {
	return m.skips.Add(urls...)
}

func (m *Manager) UnskipURLs(urls ...string) error {
	return m.skips.Remove(urls...)
}

func (m *Manager) SkippedURLs() []string {
	return m.skips.List()
}

// Executors lists the user-facing executors.
func (m *Manager) Executors() []executor.Info {
	return m.registry.Listable()
}
