// Package version provides build-time version information.
package version

import (
	"fmt"
	"runtime"
)

// These variables are set at build time using -ldflags
var (
	// Version is the semantic version
	Version = "0.1.0"

	// BuildTime is the UTC time when the binary was built
	BuildTime = "unknown"

	// GitCommit is the git commit hash
	GitCommit = "unknown"
)

// String returns a one-line description of the build for tool and log
// output.
func String(program string) string {
	return fmt.Sprintf("%s %s (commit %s, built %s, %s)", program, Version, GitCommit, BuildTime, runtime.Version())
}
