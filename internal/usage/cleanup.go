package usage

import "time"

// CleanupInterval is how often retention cleanup runs.
const CleanupInterval = time.Hour

// RunCleanupLoop calls cleanupFn immediately and then at CleanupInterval
// until stop is closed.
func RunCleanupLoop(stop <-chan struct{}, cleanupFn func()) {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()

	cleanupFn()
	for {
		select {
		case <-ticker.C:
			cleanupFn()
		case <-stop:
			return
		}
	}
}
