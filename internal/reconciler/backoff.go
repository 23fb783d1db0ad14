package reconciler

import "time"

// crashState tracks restarts of one worker for the optional back-off.
type crashState struct {
	restarts  int // consecutive, reset once the worker stays up
	total     int
	notBefore time.Time
	lastSpawn time.Time
}

// restartDelay returns the wait before restart n (1-based): base doubled for
// every earlier restart, capped at max when max is set. A zero base disables
// back-off.
func restartDelay(base, max time.Duration, n int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
