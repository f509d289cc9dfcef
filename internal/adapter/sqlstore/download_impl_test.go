package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/download-manager/internal/entity"
	"github.com/user/download-manager/internal/repository"
	"go.uber.org/zap"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "downloads.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func create(t *testing.T, repo *DownloadRepoImpl, d *entity.Download) *entity.Download {
	t.Helper()
	require.NoError(t, repo.Create(context.Background(), d))
	require.NotZero(t, d.ID)
	return d
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewDownloadRepo(openTestDB(t))

	next := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	d := create(t, repo, &entity.Download{
		URL:             "https://example.com/feed.xml",
		ExecutorName:    "feed",
		SubExecutorName: "file",
		Frequency:       24 * time.Hour,
		NextScheduledAt: &next,
		Metadata:        json.RawMessage(`{"title":"Example"}`),
	})

	got, err := repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusNew, got.Status)
	assert.Equal(t, "feed", got.ExecutorName)
	assert.Equal(t, "file", got.SubExecutorName)
	assert.Equal(t, 24*time.Hour, got.Frequency)
	require.NotNil(t, got.NextScheduledAt)
	assert.True(t, next.Equal(*got.NextScheduledAt))
	assert.Nil(t, got.LastSuccessAt)
	assert.JSONEq(t, `{"title":"Example"}`, string(got.Metadata))

	byURL, err := repo.GetByURL(ctx, "https://example.com/feed.xml")
	require.NoError(t, err)
	assert.Equal(t, d.ID, byURL.ID)

	_, err = repo.GetByURL(ctx, "https://example.com/missing")
	assert.True(t, errors.Is(err, repository.ErrNotFound))
	_, err = repo.Get(ctx, 9999)
	assert.True(t, errors.Is(err, repository.ErrNotFound))
}

func TestURLIsUnique(t *testing.T) {
	repo := NewDownloadRepo(openTestDB(t))
	create(t, repo, &entity.Download{URL: "https://example.com/a"})

	err := repo.Create(context.Background(), &entity.Download{URL: "https://example.com/a"})
	assert.Error(t, err)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	repo := NewDownloadRepo(openTestDB(t))
	d := create(t, repo, &entity.Download{URL: "https://example.com/a"})

	d.Complete(time.Now(), "/media/a", nil)
	require.NoError(t, repo.Update(ctx, d))

	got, err := repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusComplete, got.Status)
	assert.Equal(t, "/media/a", got.Location)
	assert.NotNil(t, got.LastSuccessAt)

	err = repo.Update(ctx, &entity.Download{ID: 12345, URL: "https://x", Status: entity.StatusNew})
	assert.True(t, errors.Is(err, repository.ErrNotFound))
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	repo := NewDownloadRepo(openTestDB(t))
	d := create(t, repo, &entity.Download{URL: "https://example.com/a", Attempts: 2})

	claimed, err := repo.Claim(ctx, d.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPending, claimed.Status)
	assert.Equal(t, 3, claimed.Attempts)

	_, err = repo.Claim(ctx, d.ID, time.Now())
	assert.True(t, errors.Is(err, repository.ErrNotClaimable))
}

func TestListPage(t *testing.T) {
	ctx := context.Background()
	repo := NewDownloadRepo(openTestDB(t))
	a := create(t, repo, &entity.Download{URL: "https://a.example/1"})
	b := create(t, repo, &entity.Download{URL: "https://a.example/2", Status: entity.StatusComplete})
	c := create(t, repo, &entity.Download{URL: "https://a.example/3"})

	page, err := repo.ListPage(ctx, entity.StatusNew, 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, a.ID, page[0].ID)
	assert.Equal(t, c.ID, page[1].ID)

	page, err = repo.ListPage(ctx, "", a.ID, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, b.ID, page[0].ID)
}

func TestListOnceOrdering(t *testing.T) {
	ctx := context.Background()
	repo := NewDownloadRepo(openTestDB(t))
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(48 * time.Hour)

	completeOld := create(t, repo, &entity.Download{URL: "https://x/1", Status: entity.StatusComplete, LastSuccessAt: &older})
	failed := create(t, repo, &entity.Download{URL: "https://x/2", Status: entity.StatusFailed})
	completeNew := create(t, repo, &entity.Download{URL: "https://x/3", Status: entity.StatusComplete, LastSuccessAt: &newer})
	pending := create(t, repo, &entity.Download{URL: "https://x/4", Status: entity.StatusPending})
	create(t, repo, &entity.Download{URL: "https://x/5", Frequency: time.Hour})

	once, err := repo.ListOnce(ctx, 0)
	require.NoError(t, err)
	require.Len(t, once, 4)
	assert.Equal(t, []int64{pending.ID, failed.ID, completeNew.ID, completeOld.ID},
		[]int64{once[0].ID, once[1].ID, once[2].ID, once[3].ID})

	limited, err := repo.ListOnce(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestListRecurringOrdering(t *testing.T) {
	ctx := context.Background()
	repo := NewDownloadRepo(openTestDB(t))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	later := base.Add(time.Hour)

	unscheduled := create(t, repo, &entity.Download{URL: "https://x/1", Frequency: time.Hour})
	weekly := create(t, repo, &entity.Download{URL: "https://x/2", Frequency: 7 * 24 * time.Hour, NextScheduledAt: &base})
	daily := create(t, repo, &entity.Download{URL: "https://x/3", Frequency: 24 * time.Hour, NextScheduledAt: &base})
	last := create(t, repo, &entity.Download{URL: "https://x/4", Frequency: time.Hour, NextScheduledAt: &later})
	create(t, repo, &entity.Download{URL: "https://x/5"})

	recurring, err := repo.ListRecurring(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recurring, 4)
	assert.Equal(t, []int64{daily.ID, weekly.ID, last.ID, unscheduled.ID},
		[]int64{recurring[0].ID, recurring[1].ID, recurring[2].ID, recurring[3].ID})

	ids, err := repo.RecurringIDs(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []int64{unscheduled.ID, last.ID}, ids)
}

func TestWithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	repo := NewDownloadRepo(openTestDB(t))
	boom := errors.New("boom")

	err := repo.WithTx(ctx, func(tx repository.DownloadRepository) error {
		require.NoError(t, tx.Create(ctx, &entity.Download{URL: "https://x/a"}))
		// nested WithTx joins the outer transaction
		return tx.WithTx(ctx, func(inner repository.DownloadRepository) error {
			require.NoError(t, inner.Create(ctx, &entity.Download{URL: "https://x/b"}))
			return boom
		})
	})
	assert.True(t, errors.Is(err, boom))

	all, err := repo.ListPage(ctx, "", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, all)

	require.NoError(t, repo.WithTx(ctx, func(tx repository.DownloadRepository) error {
		return tx.Create(ctx, &entity.Download{URL: "https://x/c"})
	}))
	all, err = repo.ListPage(ctx, "", 0, 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDeferPendingAndDelete(t *testing.T) {
	ctx := context.Background()
	repo := NewDownloadRepo(openTestDB(t))
	p1 := create(t, repo, &entity.Download{URL: "https://x/1", Status: entity.StatusPending})
	p2 := create(t, repo, &entity.Download{URL: "https://x/2", Status: entity.StatusPending})
	n := create(t, repo, &entity.Download{URL: "https://x/3"})

	now := time.Date(2024, 2, 2, 2, 2, 2, 0, time.UTC)
	count, err := repo.DeferPending(ctx, now, "stopped")
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	got, err := repo.Get(ctx, p1.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusDeferred, got.Status)
	assert.Equal(t, "stopped", got.Error)
	require.NotNil(t, got.NextScheduledAt)
	assert.True(t, now.Equal(*got.NextScheduledAt))

	deleted, err := repo.Delete(ctx, p1.ID, p2.ID, 4242)
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	rest, err := repo.ListPage(ctx, "", 0, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, n.ID, rest[0].ID)
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Migrate(context.Background(), nil))
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, "/data/dl.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)",
		sqliteDSN("/data/dl.db"))
	assert.Equal(t, "file:dl.db?_pragma=busy_timeout(100)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		sqliteDSN("file:dl.db?_pragma=busy_timeout(100)"))
}

func TestSQLitePragmasApplyToEveryConnection(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	db.SetMaxOpenConns(3)

	var conns []*sql.Conn
	for range 3 {
		conn, err := db.Conn(ctx)
		require.NoError(t, err)
		conns = append(conns, conn)
	}
	for i, conn := range conns {
		var timeout, foreignKeys int
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout))
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&foreignKeys))
		assert.Equal(t, 5000, timeout, "connection %d", i)
		assert.Equal(t, 1, foreignKeys, "connection %d", i)
	}
	for _, conn := range conns {
		require.NoError(t, conn.Close())
	}
}
