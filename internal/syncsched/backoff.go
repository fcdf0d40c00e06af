package syncsched

import "time"

const (
	DefaultMinBackoff = time.Second
	DefaultMaxBackoff = 5 * time.Minute
)

// Backoff returns the delay before retry number attempt (1-based): min doubled
// per attempt and capped at max.
func Backoff(min, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := min
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
