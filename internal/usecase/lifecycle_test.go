package usecase

import (
	"context"
	"encoding/json"
	"slices"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/download-manager/internal/entity"
	"github.com/user/download-manager/internal/repository"
	"github.com/user/download-manager/internal/testutil"
)

func blockingStub(name string) *testutil.StubExecutor {
	s := stub(name)
	s.ExecuteFunc = func(ctx context.Context, _ *entity.Download) (*entity.Outcome, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s
}

func fastConfig() Config {
	return Config{Workers: 2, PollInterval: 5 * time.Millisecond, SweepInterval: time.Hour}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.m.Start(context.Background()))
	t.Cleanup(func() { h.m.Stop(context.Background()) })
}

func (h *harness) waitForStatus(t *testing.T, id int64, status entity.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		d, err := h.repo.Get(context.Background(), id)
		return err == nil && d.Status == status
	}, 5*time.Second, 5*time.Millisecond, "download %d never reached %s", id, status)
}

func TestStopDefersPendingDownloads(t *testing.T) {
	h := newHarness(t, fastConfig(), blockingStub("file"))
	ctx := context.Background()
	h.start(t)

	d, err := h.m.ScheduleOne(ctx, "https://example.com/big.iso", ScheduleOptions{})
	require.NoError(t, err)
	h.waitForStatus(t, d.ID, entity.StatusPending)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.m.Stop(stopCtx))
	assert.False(t, h.m.Running())

	got := h.get(t, d.ID)
	assert.Equal(t, entity.StatusDeferred, got.Status)
	assert.Equal(t, "download manager stopped", got.Error)
	require.NotNil(t, got.NextScheduledAt)
	assert.True(t, epochNow.Equal(*got.NextScheduledAt))

	held, err := h.domains.Held(ctx)
	require.NoError(t, err)
	assert.Empty(t, held)
}

func TestStartRecoversInterruptedDownloads(t *testing.T) {
	h := newHarness(t, fastConfig(), stub("file"))
	ctx := context.Background()

	orphan := &entity.Download{URL: "https://example.com/a.zip", ExecutorName: "file", Status: entity.StatusPending, Attempts: 1}
	require.NoError(t, h.repo.Create(ctx, orphan))

	h.start(t)
	require.NoError(t, h.m.Start(ctx), "start is idempotent")

	got := h.get(t, orphan.ID)
	assert.Equal(t, entity.StatusDeferred, got.Status)
	assert.Equal(t, "interrupted before completion", got.Error)
}

func TestKillAllDisablesUntilEnabled(t *testing.T) {
	h := newHarness(t, fastConfig(), stub("file"))
	ctx := context.Background()
	h.start(t)
	assert.True(t, h.m.Running())

	require.NoError(t, h.m.KillAll(ctx))
	assert.False(t, h.m.Running())
	assert.True(t, h.m.Disabled())

	assert.True(t, errors.Is(h.m.Start(ctx), ErrDisabled))
	_, err := h.m.RunOnce(ctx)
	assert.True(t, errors.Is(err, ErrDisabled))

	require.NoError(t, h.m.Enable(ctx))
	assert.True(t, h.m.Running())
	assert.False(t, h.m.Disabled())

	status, err := h.m.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Equal(t, 2, status.Workers)
}

func TestKillInFlightDownload(t *testing.T) {
	t.Run("one-time download fails", func(t *testing.T) {
		h := newHarness(t, fastConfig(), blockingStub("file"))
		ctx := context.Background()
		h.start(t)

		d, err := h.m.ScheduleOne(ctx, "https://example.com/big.iso", ScheduleOptions{})
		require.NoError(t, err)
		h.waitForStatus(t, d.ID, entity.StatusPending)
		require.Eventually(t, func() bool {
			status, err := h.m.Status(ctx)
			return err == nil && slices.Contains(status.InFlight, d.ID)
		}, 5*time.Second, 5*time.Millisecond)

		require.NoError(t, h.m.Kill(ctx, d.ID))
		h.waitForStatus(t, d.ID, entity.StatusFailed)
		assert.Equal(t, "download killed", h.get(t, d.ID).Error)
	})

	t.Run("recurring download is deferred", func(t *testing.T) {
		h := newHarness(t, fastConfig(), blockingStub("feed"))
		ctx := context.Background()
		h.start(t)

		d, err := h.m.ScheduleRecurring(ctx, "https://example.com/feed.xml", time.Hour, ScheduleOptions{})
		require.NoError(t, err)
		h.waitForStatus(t, d.ID, entity.StatusPending)
		require.Eventually(t, func() bool {
			status, err := h.m.Status(ctx)
			return err == nil && slices.Contains(status.InFlight, d.ID)
		}, 5*time.Second, 5*time.Millisecond)

		require.NoError(t, h.m.Kill(ctx, d.ID))
		h.waitForStatus(t, d.ID, entity.StatusDeferred)
		got := h.get(t, d.ID)
		assert.Equal(t, "download killed", got.Error)
		assert.Equal(t, time.Hour, got.NextScheduledAt.Sub(epochNow))
	})
}

func TestKillWithoutLocalFetch(t *testing.T) {
	h := newHarness(t, Config{}, stub("file"))
	ctx := context.Background()

	orphan := &entity.Download{URL: "https://example.com/a.zip", ExecutorName: "file", Status: entity.StatusPending}
	require.NoError(t, h.repo.Create(ctx, orphan))
	done := &entity.Download{URL: "https://example.com/b.zip", ExecutorName: "file", Status: entity.StatusComplete}
	require.NoError(t, h.repo.Create(ctx, done))

	require.NoError(t, h.m.Kill(ctx, orphan.ID))
	assert.Equal(t, entity.StatusFailed, h.get(t, orphan.ID).Status)

	require.NoError(t, h.m.Kill(ctx, done.ID))
	assert.Equal(t, entity.StatusComplete, h.get(t, done.ID).Status)

	assert.True(t, errors.Is(h.m.Kill(ctx, 9999), repository.ErrNotFound))
}

func TestDeleteInFlightDownload(t *testing.T) {
	file := blockingStub("file")
	h := newHarness(t, fastConfig(), file)
	ctx := context.Background()
	h.start(t)

	d, err := h.m.ScheduleOne(ctx, "https://example.com/big.iso", ScheduleOptions{})
	require.NoError(t, err)
	h.waitForStatus(t, d.ID, entity.StatusPending)
	require.Eventually(t, func() bool { return len(file.Calls()) == 1 }, 5*time.Second, 5*time.Millisecond)

	deleted, err := h.m.Delete(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	require.Eventually(t, func() bool {
		status, err := h.m.Status(ctx)
		return err == nil && len(status.InFlight) == 0 && len(status.HeldDomains) == 0
	}, 5*time.Second, 5*time.Millisecond)
	_, err = h.repo.Get(ctx, d.ID)
	assert.True(t, errors.Is(err, repository.ErrNotFound))
	assert.False(t, h.skips.Contains(d.URL))
}

func TestKillWhileExecutorIsProbed(t *testing.T) {
	probing := make(chan struct{})
	page := stub("page")
	page.MatchFunc = func(ctx context.Context, _ string) (bool, json.RawMessage) {
		close(probing)
		<-ctx.Done()
		return false, nil
	}
	h := newHarness(t, Config{}, page)
	ctx := context.Background()

	d := &entity.Download{URL: "https://example.com/article"}
	require.NoError(t, h.repo.Create(ctx, d))

	result := make(chan error, 1)
	go func() {
		_, err := h.m.RunOnce(ctx)
		result <- err
	}()
	select {
	case <-probing:
	case <-time.After(5 * time.Second):
		t.Fatal("executor was never probed")
	}

	require.NoError(t, h.m.Kill(ctx, d.ID))
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not return after kill")
	}

	got := h.get(t, d.ID)
	assert.Equal(t, entity.StatusFailed, got.Status)
	assert.Equal(t, "download killed", got.Error)
	assert.Empty(t, page.Calls())
}
