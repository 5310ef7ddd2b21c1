// Package version exposes build metadata stamped at link time.
package version

import "fmt"

// Overridden via -ldflags at build time.
var (
	// Version is the semantic version of the coordinator binary.
	Version = "dev"

	// Commit is the Git commit hash the binary was built from.
	Commit = "<unknown>"

	// Date is the UTC build timestamp.
	Date = "<unknown>"
)

// String returns a single-line human-readable version string.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}
