package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/user/download-manager/internal/entity"
	"github.com/user/download-manager/internal/repository"
)

const downloadColumns = `id, url, status, attempts, executor_name, sub_executor_name, frequency,
	next_scheduled_at, last_success_at, last_error, location, metadata, created_at, updated_at`

const maxTxAttempts = 3

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DownloadRepoImpl implements repository.DownloadRepository on database/sql.
type DownloadRepoImpl struct {
	db      *sql.DB
	q       querier
	dialect Dialect
	inTx    bool
}

// NewDownloadRepo creates a repository over db.
func NewDownloadRepo(db *DB) *DownloadRepoImpl {
	return &DownloadRepoImpl{db: db.DB, q: db.DB, dialect: db.dialect}
}

// WithTx runs fn in a transaction. PostgreSQL serialization failures are
// retried with a fresh transaction.
func (r *DownloadRepoImpl) WithTx(ctx context.Context, fn func(repo repository.DownloadRepository) error) error {
	if r.inTx {
		return fn(r)
	}

	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = r.runTx(ctx, fn)
		if err == nil || !r.dialect.retryable(err) {
			return err
		}
	}
	return errors.Wrapf(err, "transaction failed after %d attempts", maxTxAttempts)
}

func (r *DownloadRepoImpl) runTx(ctx context.Context, fn func(repo repository.DownloadRepository) error) error {
	tx, err := r.db.BeginTx(ctx, r.dialect.txOptions)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(&DownloadRepoImpl{db: r.db, q: tx, dialect: r.dialect, inTx: true}); err != nil {
		tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit tx")
}

// Create inserts d and assigns its ID.
func (r *DownloadRepoImpl) Create(ctx context.Context, d *entity.Download) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = entity.StatusNew
	}

	query := `INSERT INTO downloads (url, status, attempts, executor_name, sub_executor_name, frequency,
			next_scheduled_at, last_success_at, last_error, location, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`
	err := r.q.QueryRowContext(ctx, r.dialect.Rebind(query),
		d.URL, string(d.Status), d.Attempts, d.ExecutorName, d.SubExecutorName, frequencyArg(d.Frequency),
		timeArg(d.NextScheduledAt), timeArg(d.LastSuccessAt), d.Error, d.Location, metadataArg(d.Metadata),
		d.CreatedAt.UTC(), d.UpdatedAt,
	).Scan(&d.ID)
	return errors.Wrapf(err, "insert download %s", d.URL)
}

// Update writes every mutable column of d.
func (r *DownloadRepoImpl) Update(ctx context.Context, d *entity.Download) error {
	d.UpdatedAt = time.Now().UTC()
	query := `UPDATE downloads SET url = ?, status = ?, attempts = ?, executor_name = ?, sub_executor_name = ?,
			frequency = ?, next_scheduled_at = ?, last_success_at = ?, last_error = ?, location = ?,
			metadata = ?, updated_at = ?
		WHERE id = ?`
	res, err := r.q.ExecContext(ctx, r.dialect.Rebind(query),
		d.URL, string(d.Status), d.Attempts, d.ExecutorName, d.SubExecutorName, frequencyArg(d.Frequency),
		timeArg(d.NextScheduledAt), timeArg(d.LastSuccessAt), d.Error, d.Location, metadataArg(d.Metadata),
		d.UpdatedAt, d.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "update download %d", d.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.WithDetailf(repository.ErrNotFound, "id %d", d.ID)
	}
	return nil
}

func (r *DownloadRepoImpl) Get(ctx context.Context, id int64) (*entity.Download, error) {
	query := `SELECT ` + downloadColumns + ` FROM downloads WHERE id = ?`
	d, err := scanDownload(r.q.QueryRowContext(ctx, r.dialect.Rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.WithDetailf(repository.ErrNotFound, "id %d", id)
	}
	return d, errors.Wrapf(err, "get download %d", id)
}

func (r *DownloadRepoImpl) GetByURL(ctx context.Context, url string) (*entity.Download, error) {
	query := `SELECT ` + downloadColumns + ` FROM downloads WHERE url = ?`
	d, err := scanDownload(r.q.QueryRowContext(ctx, r.dialect.Rebind(query), url))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.WithDetailf(repository.ErrNotFound, "url %s", url)
	}
	return d, errors.Wrapf(err, "get download %s", url)
}

// Claim moves a new download to pending. The status condition makes the
// claim exclusive across workers and processes.
func (r *DownloadRepoImpl) Claim(ctx context.Context, id int64, now time.Time) (*entity.Download, error) {
	res, err := r.q.ExecContext(ctx, r.dialect.Rebind(
		`UPDATE downloads SET status = 'pending', attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = 'new'`), now.UTC(), id)
	if err != nil {
		return nil, errors.Wrapf(err, "claim download %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return nil, errors.WithDetailf(repository.ErrNotClaimable, "id %d", id)
	}
	return r.Get(ctx, id)
}

func (r *DownloadRepoImpl) ListPage(ctx context.Context, status entity.Status, afterID int64, limit int) ([]*entity.Download, error) {
	query := `SELECT ` + downloadColumns + ` FROM downloads WHERE id > ?`
	args := []any{afterID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit)
	return r.list(ctx, query, args...)
}

func (r *DownloadRepoImpl) ListRecurring(ctx context.Context, limit int) ([]*entity.Download, error) {
	query := `SELECT ` + downloadColumns + ` FROM downloads
		WHERE frequency IS NOT NULL
		ORDER BY (next_scheduled_at IS NULL), next_scheduled_at, frequency, id`
	return r.listLimited(ctx, query, limit)
}

func (r *DownloadRepoImpl) ListOnce(ctx context.Context, limit int) ([]*entity.Download, error) {
	query := `SELECT ` + downloadColumns + ` FROM downloads
		WHERE frequency IS NULL
		ORDER BY CASE status
				WHEN 'pending' THEN 1
				WHEN 'failed' THEN 2
				WHEN 'new' THEN 3
				WHEN 'deferred' THEN 4
				WHEN 'complete' THEN 5
			END,
			(last_success_at IS NULL), last_success_at DESC, id`
	return r.listLimited(ctx, query, limit)
}

func (r *DownloadRepoImpl) RecurringIDs(ctx context.Context, frequency time.Duration) ([]int64, error) {
	rows, err := r.q.QueryContext(ctx,
		r.dialect.Rebind(`SELECT id FROM downloads WHERE frequency = ? ORDER BY id`), frequencyArg(frequency))
	if err != nil {
		return nil, errors.Wrap(err, "list recurring ids")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *DownloadRepoImpl) DeferPending(ctx context.Context, now time.Time, reason string) (int64, error) {
	now = now.UTC()
	res, err := r.q.ExecContext(ctx, r.dialect.Rebind(
		`UPDATE downloads SET status = 'deferred', next_scheduled_at = ?, last_error = ?, updated_at = ?
		WHERE status = 'pending'`), now, reason, now)
	if err != nil {
		return 0, errors.Wrap(err, "defer pending downloads")
	}
	return res.RowsAffected()
}

func (r *DownloadRepoImpl) Delete(ctx context.Context, ids ...int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `DELETE FROM downloads WHERE id IN (?` + strings.Repeat(", ?", len(ids)-1) + `)`
	res, err := r.q.ExecContext(ctx, r.dialect.Rebind(query), args...)
	if err != nil {
		return 0, errors.Wrap(err, "delete downloads")
	}
	return res.RowsAffected()
}

func (r *DownloadRepoImpl) listLimited(ctx context.Context, query string, limit int) ([]*entity.Download, error) {
	if limit > 0 {
		return r.list(ctx, query+` LIMIT ?`, limit)
	}
	return r.list(ctx, query)
}

func (r *DownloadRepoImpl) list(ctx context.Context, query string, args ...any) ([]*entity.Download, error) {
	rows, err := r.q.QueryContext(ctx, r.dialect.Rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "list downloads")
	}
	defer rows.Close()

	var downloads []*entity.Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan download")
		}
		downloads = append(downloads, d)
	}
	return downloads, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDownload(s scanner) (*entity.Download, error) {
	var (
		d         entity.Download
		status    string
		frequency sql.NullInt64
		next      sql.NullTime
		success   sql.NullTime
		metadata  []byte
	)
	if err := s.Scan(
		&d.ID, &d.URL, &status, &d.Attempts, &d.ExecutorName, &d.SubExecutorName, &frequency,
		&next, &success, &d.Error, &d.Location, &metadata, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}

	d.Status = entity.Status(status)
	if frequency.Valid {
		d.Frequency = time.Duration(frequency.Int64) * time.Second
	}
	if next.Valid {
		t := next.Time.UTC()
		d.NextScheduledAt = &t
	}
	if success.Valid {
		t := success.Time.UTC()
		d.LastSuccessAt = &t
	}
	if len(metadata) > 0 {
		d.Metadata = json.RawMessage(metadata)
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

// Frequencies are stored in whole seconds.
func frequencyArg(f time.Duration) any {
	if f <= 0 {
		return nil
	}
	return int64(f / time.Second)
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func metadataArg(m json.RawMessage) any {
	if len(m) == 0 {
		return nil
	}
	return string(m)
}
