package common

import (
	"fmt"
	"runtime"
)

const (
	ProjectName    = "Trade Execution Core"
	ProjectVersion = "0.3.0"
	ProjectRepo    = "github.com/ducminhle1904/trade-execution-core"
)

// Set during build via -ldflags
var (
	BuildDate   = "unknown"
	BuildCommit = "dev"
)

// VersionInfo contains version and build information
type VersionInfo struct {
	ProjectName  string `json:"project_name"`
	Version      string `json:"version"`
	BuildDate    string `json:"build_date"`
	BuildCommit  string `json:"build_commit"`
	GoVersion    string `json:"go_version"`
	Architecture string `json:"architecture"`
}

// GetVersionInfo returns complete version information
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		ProjectName:  ProjectName,
		Version:      ProjectVersion,
		BuildDate:    BuildDate,
		BuildCommit:  BuildCommit,
		GoVersion:    runtime.Version(),
		Architecture: runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// FullVersion returns the version with build info
func FullVersion() string {
	info := GetVersionInfo()
	return fmt.Sprintf("%s-%s (%s, %s %s)", info.Version, info.BuildCommit, info.BuildDate, info.GoVersion, info.Architecture)
}

// IsDevBuild returns true if this is a development build
func IsDevBuild() bool {
	return BuildCommit == "dev"
}
