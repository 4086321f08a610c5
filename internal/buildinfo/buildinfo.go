// Package buildinfo carries the version stamped into release builds.
package buildinfo

// Version is overridden at build time via -ldflags.
var Version = "dev"
