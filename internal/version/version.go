// Package version carries build metadata injected at link time.
package version

import "fmt"

// Set via -ldflags "-X llmgate/internal/version.Version=..." at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func Info() string {
	return fmt.Sprintf("llmgate %s (commit %s, built %s)", Version, Commit, Date)
}
