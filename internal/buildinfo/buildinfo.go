// Package buildinfo exposes the version metadata stamped into the
// climon binary at build time.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Set via -ldflags at build time; the defaults identify a plain
// source build.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var started = time.Now()

// Uptime is the time since the process came up, to whole seconds.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// Info returns build and runtime metadata as a flat map, keyed the way
// the version subcommand prints it.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_date": BuildDate,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// String is the one-line banner logged at startup.
func String() string {
	return fmt.Sprintf("Climon %s (%s) built %s", Version, GitCommit, BuildDate)
}
