// SPDX-License-Identifier: MIT

// Package version carries the build identity stamped in by ldflags:
//
//	-X github.com/dalstonhq/dalston/internal/version.Version=v0.4.0
package version

var (
	// Version is the release tag, or "dev" for unstamped builds.
	Version = "dev"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)

// String renders the full build identity for startup logs and --version.
func String() string {
	return Version + " (" + Commit + ", " + Date + ")"
}
