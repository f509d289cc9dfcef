package repository

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/user/download-manager/internal/entity"
)

var (
	// ErrNotFound is returned when no download matches the lookup.
	ErrNotFound = errors.New("download not found")
	// ErrNotClaimable is returned by Claim when the download is no longer new.
	ErrNotClaimable = errors.New("download is not claimable")
)

// DownloadRepository is the transactional store of download records.
type DownloadRepository interface {
	// WithTx runs fn against a repository bound to one transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	// Calling WithTx on a transaction-bound repository reuses the transaction.
	WithTx(ctx context.Context, fn func(repo DownloadRepository) error) error

	// Create inserts d and sets its ID and timestamps.
	Create(ctx context.Context, d *entity.Download) error
	// Update writes every mutable column of d.
	Update(ctx context.Context, d *entity.Download) error
	Get(ctx context.Context, id int64) (*entity.Download, error)
	GetByURL(ctx context.Context, url string) (*entity.Download, error)

	// Claim moves a new download to pending and increments its attempts in
	// one conditional statement.
	Claim(ctx context.Context, id int64, now time.Time) (*entity.Download, error)

	// ListPage returns up to limit downloads with id > afterID, ordered by id.
	// An empty status matches every status.
	ListPage(ctx context.Context, status entity.Status, afterID int64, limit int) ([]*entity.Download, error)
	// ListRecurring orders by next scheduled time, then frequency.
	ListRecurring(ctx context.Context, limit int) ([]*entity.Download, error)
	// ListOnce orders by status, most recent success, then id.
	ListOnce(ctx context.Context, limit int) ([]*entity.Download, error)
	// RecurringIDs lists the ids of every download sharing frequency, ascending.
	RecurringIDs(ctx context.Context, frequency time.Duration) ([]int64, error)

	// DeferPending defers every pending download and schedules it at now.
	DeferPending(ctx context.Context, now time.Time, reason string) (int64, error)
	// Delete removes the downloads and reports how many rows were deleted.
	Delete(ctx context.Context, ids ...int64) (int64, error)
}
