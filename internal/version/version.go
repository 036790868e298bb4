package version

var (
	// Version is the current application version, set via -ldflags at
	// build time.
	Version = "dev"
	// GitSHA is the git commit SHA, set via -ldflags at build time.
	GitSHA = "unknown"
	// BuildTime is the build timestamp, set via -ldflags at build time.
	BuildTime = "unknown"
)
