package command

import "time"

const maxClockWait = 10 * time.Millisecond

// ReadingAfter reads now until it returns an instant strictly after t, so a
// restart's start time orders after its stop time on coarse clocks. A clock
// that does not advance within a few milliseconds gets its last reading
// returned as is.
func ReadingAfter(now func() time.Time, t time.Time) time.Time {
	reading := now()
	deadline := time.Now().Add(maxClockWait)
	for !reading.After(t) && time.Now().Before(deadline) {
		time.Sleep(time.Microsecond)
		reading = now()
	}
	return reading
}
