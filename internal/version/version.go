package version

import (
	"fmt"
	"runtime"
)

// Build-time variables injected by ldflags
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// BuildInfo is the machine-readable build description.
type BuildInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	GoArch    string `json:"go_arch"`
	GoOS      string `json:"go_os"`
}

func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		GoArch:    runtime.GOARCH,
		GoOS:      runtime.GOOS,
	}
}

// GetVersionString returns the bare version for cobra.
func GetVersionString() string {
	return Version
}

// GetFullVersionString returns a multi-line version banner.
func GetFullVersionString() string {
	return fmt.Sprintf("Toolgate %s\nBuilt: %s\nGo: %s",
		Version, BuildTime, runtime.Version())
}
