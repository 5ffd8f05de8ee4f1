// Package buildconfig exposes build identity stamped into the decisiongraph
// binaries via -ldflags at release time.
package buildconfig

// Name identifies the project in logs and version output.
const Name = "decisiongraph"

var (
	version = "dev"
	commit  = "unknown"
)

// Version returns the stamped release version, "dev" for local builds.
func Version() string {
	return version
}

// Commit returns the git commit hash the binary was built from.
func Commit() string {
	return commit
}

// VersionInfo returns the full build identity for structured logging.
func VersionInfo() map[string]string {
	return map[string]string{
		"name":    Name,
		"version": version,
		"commit":  commit,
	}
}
