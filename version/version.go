// Package version exposes the core module version for logging and diagnostics.
package version

// Version is the semantic version of the ingestion core.
// Overridden at build time via -ldflags "-X airweave.ai/core/version.Version=...".
var Version = "0.1.0"

// GetCoreVersion returns the module version string.
func GetCoreVersion() string {
	return Version
}
