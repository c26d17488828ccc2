// Package version carries the build version, overridable at link time
// with -ldflags "-X github.com/devitway/nora/pkg/version.Version=...".
package version

// Version is the semantic version of this build.
var Version = "dev"
