// Package version holds the build-time version stamp shared by the
// manager and gateway-client binaries.
package version

// Version is overwritten at build time via -ldflags
// "-X github.com/coreiot/gatewaysync/pkg/version.Version=...". It
// defaults to "dev" for local builds run straight out of the module.
var Version = "dev"
