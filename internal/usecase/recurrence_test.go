package usecase

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/download-manager/internal/entity"
)

func TestBackoff(t *testing.T) {
	week := 7 * 24 * time.Hour
	tests := []struct {
		attempts  int
		frequency time.Duration
		want      time.Duration
	}{
		{attempts: 0, want: 3 * time.Hour},
		{attempts: 1, want: 3 * time.Hour},
		{attempts: 2, want: 9 * time.Hour},
		{attempts: 3, want: 27 * time.Hour},
		{attempts: 0, frequency: week, want: 3 * time.Hour},
		{attempts: 4, frequency: week, want: 81 * time.Hour},
		{attempts: 5, frequency: week, want: week},
		{attempts: 6, frequency: week, want: week},
		{attempts: 1, frequency: time.Hour, want: time.Hour},
		{attempts: 50, want: 59049 * time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, backoff(tt.attempts, tt.frequency), "attempts=%d frequency=%s", tt.attempts, tt.frequency)
	}
}

func TestBackoffIncreasesUntilCapped(t *testing.T) {
	daily := 24 * time.Hour
	prev := time.Duration(0)
	for attempts := 1; attempts <= 20; attempts++ {
		delay := backoff(attempts, daily)
		assert.LessOrEqual(t, delay, daily)
		if prev < daily {
			assert.Greater(t, delay, prev)
		}
		prev = delay
	}
}

func TestZigZagOffsets(t *testing.T) {
	var got []time.Duration
	for i := range 9 {
		got = append(got, zigZagOffset(16, i))
	}
	assert.Equal(t, []time.Duration{0, 8, 4, 12, 2, 6, 10, 14, 1}, got)
}

func TestZigZagOffsetIsExactForWidePeriods(t *testing.T) {
	year := 365 * 24 * time.Hour
	assert.Equal(t, year/2, zigZagOffset(year, 1))
	assert.Equal(t, 3*(year/4), zigZagOffset(year, 3))
	assert.Less(t, zigZagOffset(year, 1<<40), year)
}

func TestRecurrenceSlotWeekly(t *testing.T) {
	week := 7 * 24 * time.Hour
	now := time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2000, 1, 8, 0, 0, 0, 0, time.UTC), recurrenceSlot(now, week, 0, time.UTC))
	assert.Equal(t, time.Date(2000, 1, 11, 12, 0, 0, 0, time.UTC), recurrenceSlot(now, week, 1, time.UTC))
	assert.Equal(t, time.Date(2000, 1, 9, 18, 0, 0, 0, time.UTC), recurrenceSlot(now, week, 2, time.UTC))
}

func TestNextPeriodFollowsLocation(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	now := time.Date(2024, 6, 3, 15, 30, 0, 0, loc)

	start, end := nextPeriod(now, 24*time.Hour, loc)
	assert.Equal(t, time.Date(2024, 6, 4, 0, 0, 0, 0, loc), start)
	assert.Equal(t, 24*time.Hour, end.Sub(start))
}

func TestNextPeriodBeforeEpoch(t *testing.T) {
	now := time.Date(1999, 12, 31, 12, 0, 0, 0, time.UTC)
	start, _ := nextPeriod(now, 24*time.Hour, time.UTC)
	assert.Equal(t, time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC), start)
}

func TestCursorRejectsRepeatedPage(t *testing.T) {
	var c cursor
	require.NoError(t, c.advance([]*entity.Download{{ID: 3}, {ID: 7}}))
	assert.Equal(t, int64(7), c.after)

	err := c.advance([]*entity.Download{{ID: 5}, {ID: 7}})
	require.Error(t, err)
	assert.True(t, errors.HasAssertionFailure(err))
}
