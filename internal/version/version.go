// Package version holds build metadata stamped via -ldflags.
package version

var (
	// Version is the current application version.
	Version = "dev"
	// GitSHA is the git commit SHA.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)
