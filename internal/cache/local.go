package cache

import (
	"context"
	"sync"
)

// LocalCost is an in-process daily-cost counter. Totals reset on restart,
// which is acceptable for an advisory threshold; multi-instance deployments
// should use RedisCost instead.
type LocalCost struct {
	mu     sync.Mutex
	totals map[string]float64
}

// NewLocalCost creates an empty counter.
func NewLocalCost() *LocalCost {
	return &LocalCost{totals: make(map[string]float64)}
}

// Add implements DailyCost. Entries for past days are pruned as the day
// rolls over, keeping the map at one key.
func (c *LocalCost) Add(_ context.Context, day string, amount float64) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k := range c.totals {
		if k != day {
			delete(c.totals, k)
		}
	}
	c.totals[day] += amount
	return c.totals[day], nil
}

func (c *LocalCost) Close() error {
	return nil
}
