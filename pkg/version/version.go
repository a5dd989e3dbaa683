// Package version exposes build metadata for the gatekeeper and gkctl binaries.
package version

import (
	"fmt"
	"runtime"
	"time"
)

// Set via -ldflags "-X github.com/telekom/request-gatekeeper/pkg/version.Version=..."
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
	GoVersion = runtime.Version()
	Platform  = runtime.GOOS + "/" + runtime.GOARCH
)

type BuildInfo struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"gitCommit"`
	BuildDate string    `json:"buildDate"`
	GoVersion string    `json:"goVersion"`
	Platform  string    `json:"platform"`
	BuildTime time.Time `json:"buildTime,omitempty"`
}

// GetBuildInfo returns build metadata. BuildTime is only set when BuildDate
// is RFC3339.
func GetBuildInfo() BuildInfo {
	info := BuildInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: GoVersion,
		Platform:  Platform,
	}
	if t, err := time.Parse(time.RFC3339, BuildDate); err == nil {
		info.BuildTime = t
	}
	return info
}

// UserAgent identifies a component towards the gatekeeper, e.g.
// "gkctl/v1.2.0 (linux/amd64)".
func UserAgent(component string) string {
	return fmt.Sprintf("%s/%s (%s)", component, Version, Platform)
}
