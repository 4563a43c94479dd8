// Package cache provides the optional daily-cost accumulator used by the
// usage tracker's threshold check. The default deployment queries the usage
// store per call; these counters trade a little drift on restart (local) or
// an extra dependency (redis) for constant-time checks under load.
package cache

import "context"

// DailyCost accumulates spend per local calendar day.
type DailyCost interface {
	// Add adds amount USD to the running total for day (YYYY-MM-DD, local
	// time) and returns the new total.
	Add(ctx context.Context, day string, amount float64) (float64, error)

	Close() error
}
