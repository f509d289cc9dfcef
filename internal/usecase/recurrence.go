package usecase

import (
	"math/bits"
	"time"
)

// Exponents above this would overflow time.Duration long before any
// realistic retry count.
const maxBackoffExponent = 10

// backoff is 3^max(attempts,1) hours, capped at frequency for recurring
// downloads.
func backoff(attempts int, frequency time.Duration) time.Duration {
	exp := min(max(attempts, 1), maxBackoffExponent)
	delay := time.Hour
	for range exp {
		delay *= 3
	}
	if frequency > 0 && delay > frequency {
		delay = frequency
	}
	return delay
}

// nextPeriod returns the period after the one containing now. Periods are
// counted from 2000-01-01 00:00 in loc.
func nextPeriod(now time.Time, frequency time.Duration, loc *time.Location) (start, end time.Time) {
	epoch := time.Date(2000, time.January, 1, 0, 0, 0, 0, loc)
	elapsed := now.Sub(epoch)
	iterations := elapsed / frequency
	if elapsed < 0 && elapsed%frequency != 0 {
		iterations--
	}
	start = epoch.Add((iterations + 1) * frequency)
	return start, start.Add(frequency)
}

// zigZagOffset returns the offset of slot index inside a period of width.
// Slots go 0, 1/2, 1/4, 3/4, 1/8, 3/8, 5/8, 7/8, 1/16, ... so that each new
// index bisects the largest remaining gap.
func zigZagOffset(width time.Duration, index int) time.Duration {
	if index <= 0 || width <= 0 {
		return 0
	}
	level := bits.Len64(uint64(index))
	denominator := uint64(1) << level
	numerator := 2*(uint64(index)-denominator/2) + 1

	hi, lo := bits.Mul64(uint64(width), numerator)
	quotient, _ := bits.Div64(hi, lo, denominator)
	return time.Duration(quotient)
}

// recurrenceSlot is the scheduled time of the download at position index
// among the downloads sharing frequency.
func recurrenceSlot(now time.Time, frequency time.Duration, index int, loc *time.Location) time.Time {
	start, end := nextPeriod(now, frequency, loc)
	return start.Add(zigZagOffset(end.Sub(start), index)).UTC()
}
