// Package buildinfo exposes compile-time metadata for the proxy server.
package buildinfo

// These variables are overridden via ldflags during release builds; the
// defaults identify local development binaries.
var (
	// Version is the semantic version or git describe output of the binary.
	Version = "dev"

	// Commit is the git commit SHA baked into the binary.
	Commit = "none"

	// BuildDate records when the binary was built in UTC.
	BuildDate = "unknown"
)
