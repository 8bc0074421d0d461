// Package version reports the build version of the hookrelayd binary.
package version

import (
	"runtime/debug"
)

// Version is the version of the hookrelayd binary.
// It is set using `go build -ldflags "-X hookrelay.dev/internal/version.Version=v1.2.3"`.
var Version string

func init() {
	// If version is already set via a compiler link flag, leave it alone.
	if Version != "" {
		return
	}
	Version = "devel"

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, kv := range info.Settings {
		if kv.Key == "vcs.revision" && len(kv.Value) >= 12 {
			Version = "devel-" + kv.Value[:12]
		}
	}
}
