// Package version provides build-time version information.
// These variables are set via ldflags at build time.
package version

var (
	// Version is the semantic version (e.g., "1.0.0")
	Version = "dev"

	// Commit is the git commit SHA
	Commit = "none"
)

// IsDev reports whether this is an unreleased build.
func IsDev() bool {
	return Version == "dev"
}

// UserAgent returns the User-Agent sent with every request.
func UserAgent() string {
	if IsDev() && Commit != "none" && Commit != "" {
		return "sessionguard/dev+" + Commit
	}
	return "sessionguard/" + Version
}
