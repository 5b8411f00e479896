package webhook

import "time"

// DefaultSchedule is the delay before each attempt: the first is immediate,
// then 1s, 10s, 100s and 1000s after the previous failure.
var DefaultSchedule = []time.Duration{
	0,
	time.Second,
	10 * time.Second,
	100 * time.Second,
	1000 * time.Second,
}

// delayBefore returns the delay before attempt n (1-based). Attempts past the
// end of the schedule reuse its last entry.
func delayBefore(schedule []time.Duration, n int) time.Duration {
	if len(schedule) == 0 || n < 1 {
		return 0
	}
	if n > len(schedule) {
		return schedule[len(schedule)-1]
	}
	return schedule[n-1]
}
