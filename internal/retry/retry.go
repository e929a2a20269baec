// Package retry implements the exponential backoff shape shared by the
// Channel Manager's settlement retries (spec §4.2) and the Broadcast
// Dispatcher's per-endpoint attempt retries (spec §4.3): delay =
// base * 2^attempt. Keeping one implementation means both retry loops are
// visibly the same primitive applied to different error taxonomies,
// per SPEC_FULL.md §4.2.
package retry

import "time"

// Backoff computes delay = base * 2^attempt, capped at max. attempt is
// zero-based (the delay before the first retry uses attempt=0).
func Backoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
