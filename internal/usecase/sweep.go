package usecase

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/user/download-manager/internal/entity"
	"github.com/user/download-manager/internal/repository"
	"go.uber.org/zap"
)

// cursor pages through downloads by id and refuses to revisit a page.
type cursor struct {
	after int64
}

func (c *cursor) advance(page []*entity.Download) error {
	last := page[len(page)-1].ID
	if last <= c.after {
		return errors.AssertionFailedf("cursor did not advance: id %d after %d", last, c.after)
	}
	c.after = last
	return nil
}

// each calls fn for every download with status, or every download when status
// is empty, in pages ordered by id.
func (m *Manager) each(ctx context.Context, status entity.Status, fn func(d *entity.Download) error) error {
	var c cursor
	for {
		page, err := m.repo.ListPage(ctx, status, c.after, pageSize)
		if err != nil {
			return errors.Wrap(err, "list downloads")
		}
		if len(page) == 0 {
			return nil
		}
		if err := c.advance(page); err != nil {
			return err
		}
		for _, d := range page {
			if err := fn(d); err != nil {
				return err
			}
		}
		if len(page) < pageSize {
			return nil
		}
	}
}

// Sweep renews due downloads and purges expired ones.
func (m *Manager) Sweep(ctx context.Context) error {
	renewed, err := m.RenewDue(ctx)
	if err != nil {
		return errors.Wrap(err, "renew due downloads")
	}
	if renewed > 0 {
		m.signal()
	}
	if _, err := m.PurgeExpired(ctx); err != nil {
		return errors.Wrap(err, "purge expired downloads")
	}
	return nil
}

// RenewDue gives recurring downloads without a next run a zig-zag slot, and
// moves due complete recurring downloads and due deferred downloads back to
// new. Attempts are kept.
func (m *Manager) RenewDue(ctx context.Context) (int, error) {
	now := m.now()
	renewed := 0

	err := m.each(ctx, "", func(d *entity.Download) error {
		needsSlot := d.IsRecurring() && d.NextScheduledAt == nil && d.Status != entity.StatusPending
		if !needsSlot && !isDue(d, now) {
			return nil
		}

		renew := false
		err := m.repo.WithTx(ctx, func(tx repository.DownloadRepository) error {
			renew = false
			cur, err := tx.Get(ctx, d.ID)
			if errors.Is(err, repository.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}

			changed := false
			if cur.IsRecurring() && cur.NextScheduledAt == nil && cur.Status != entity.StatusPending {
				next, err := m.slotFor(ctx, tx, cur, now)
				if err != nil {
					return err
				}
				cur.NextScheduledAt = &next
				changed = true
			}
			if isDue(cur, now) {
				cur.Renew(false)
				renew = true
				changed = true
			}
			if !changed {
				return nil
			}
			return tx.Update(ctx, cur)
		})
		if err == nil && renew {
			renewed++
		}
		return err
	})
	if renewed > 0 {
		m.metrics.Renewed(renewed)
		m.logger.Info("Renewed due downloads", zap.Int("count", renewed))
	}
	return renewed, err
}

func isDue(d *entity.Download, now time.Time) bool {
	if d.NextScheduledAt == nil || !d.NextScheduledAt.Before(now) {
		return false
	}
	return d.Status == entity.StatusDeferred || (d.Status == entity.StatusComplete && d.IsRecurring())
}

// PurgeExpired deletes one-time downloads that completed before the
// retention horizon.
func (m *Manager) PurgeExpired(ctx context.Context) (int64, error) {
	horizon := m.now().Add(-m.cfg.Retention)
	n, err := m.deleteWhere(ctx, entity.StatusComplete, func(d *entity.Download) bool {
		return d.LastSuccessAt != nil && d.LastSuccessAt.Before(horizon)
	})
	if n > 0 {
		m.metrics.Purged(int(n))
		m.logger.Info("Purged expired downloads", zap.Int64("count", n))
	}
	return n, err
}

// DeleteCompleted deletes every completed one-time download.
func (m *Manager) DeleteCompleted(ctx context.Context) (int64, error) {
	return m.deleteWhere(ctx, entity.StatusComplete, func(*entity.Download) bool { return true })
}

// DeleteFailed moves the URLs of failed downloads onto the skip list and
// deletes the downloads.
func (m *Manager) DeleteFailed(ctx context.Context) (int64, error) {
	failed, err := m.collect(ctx, entity.StatusFailed, func(*entity.Download) bool { return true })
	if err != nil || len(failed) == 0 {
		return 0, err
	}

	urls := make([]string, len(failed))
	ids := make([]int64, len(failed))
	for i, d := range failed {
		urls[i], ids[i] = d.URL, d.ID
	}
	if err := m.skips.Add(urls...); err != nil {
		return 0, errors.Wrap(err, "add failed urls to skip list")
	}
	return m.deleteIDs(ctx, ids)
}

func (m *Manager) deleteWhere(ctx context.Context, status entity.Status, keep func(*entity.Download) bool) (int64, error) {
	matched, err := m.collect(ctx, status, keep)
	if err != nil || len(matched) == 0 {
		return 0, err
	}
	ids := make([]int64, len(matched))
	for i, d := range matched {
		ids[i] = d.ID
	}
	return m.deleteIDs(ctx, ids)
}

// collect gathers one-time downloads with status that satisfy match.
func (m *Manager) collect(ctx context.Context, status entity.Status, match func(*entity.Download) bool) ([]*entity.Download, error) {
	var out []*entity.Download
	err := m.each(ctx, status, func(d *entity.Download) error {
		if !d.IsRecurring() && match(d) {
			out = append(out, d)
		}
		return nil
	})
	return out, err
}

func (m *Manager) deleteIDs(ctx context.Context, ids []int64) (int64, error) {
	var total int64
	for start := 0; start < len(ids); start += pageSize {
		batch := ids[start:min(start+pageSize, len(ids))]
		n, err := m.repo.Delete(ctx, batch...)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
