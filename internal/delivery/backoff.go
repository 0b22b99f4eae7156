package delivery

import "time"

// Wait between successive retries, indexed by attemptNumber-1. Past the end
// of the schedule the last interval repeats.
var backoffSchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
}

// NextRetryAt returns when the failed attemptNumber should be retried, or
// nil when the attempt budget is exhausted and the failure is terminal.
func NextRetryAt(now time.Time, attemptNumber, maxAttempts int) *time.Time {
	if attemptNumber >= maxAttempts {
		return nil
	}
	idx := attemptNumber - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	t := now.Add(backoffSchedule[idx])
	return &t
}
