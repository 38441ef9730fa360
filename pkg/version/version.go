// Package version exposes build metadata for mergebot binaries.
package version

// Set at build time via ldflags, e.g.
// go build -ldflags "-X mergebot/pkg/version.Version=v1.2.3".
//
//nolint:gochecknoglobals // Package-level vars are required for ldflags injection.
var (
	// Version is the semantic version, or "dev" for local builds.
	Version = "dev"

	// Commit is the git commit SHA of the build.
	Commit = "none"

	// Date is the build date in ISO format.
	Date = "unknown"
)
