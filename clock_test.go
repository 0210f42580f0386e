package command

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReadingAfterWaitsForClock(t *testing.T) {
	base := time.Now()
	reads := 0
	clock := func() time.Time {
		reads++
		if reads < 3 {
			return base
		}
		return base.Add(time.Nanosecond)
	}

	got := ReadingAfter(clock, base)
	assert.True(t, got.After(base))
	assert.Equal(t, 3, reads)
}

func TestReadingAfterGivesUpOnFrozenClock(t *testing.T) {
	frozen := testAt
	got := ReadingAfter(func() time.Time { return frozen }, frozen)
	assert.True(t, got.Equal(frozen), "a frozen clock is reported, not adjusted")
}
