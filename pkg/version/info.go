// Package version reports build metadata for the mongoengine binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

const (
	// Unknown is used when build metadata is not provided.
	Unknown = "unknown"
	// DevelopmentVersion is the default version in local builds.
	DevelopmentVersion = "dev"

	driverModule = "go.mongodb.org/mongo-driver"
)

var (
	// AppVersion is set at build time:
	// go build -ldflags="-X github.com/nimburion/mongoengine/pkg/version.AppVersion=v1.2.3"
	AppVersion = DevelopmentVersion

	// GitCommit is set at build time.
	GitCommit = Unknown

	// BuildTime is set at build time (RFC3339).
	BuildTime = Unknown
)

// Info contains version metadata for the binary.
type Info struct {
	Service       string `json:"service" yaml:"service"`
	Version       string `json:"version" yaml:"version"`
	Commit        string `json:"commit" yaml:"commit"`
	BuildTime     string `json:"build_time" yaml:"build_time"`
	GoVersion     string `json:"go_version" yaml:"go_version"`
	DriverVersion string `json:"driver_version" yaml:"driver_version"`
}

// Current returns the running binary's metadata.
func Current(serviceName string) Info {
	return Info{
		Service:       normalizeOrDefault(serviceName, Unknown),
		Version:       normalizeOrDefault(AppVersion, DevelopmentVersion),
		Commit:        normalizeOrDefault(GitCommit, Unknown),
		BuildTime:     normalizeOrDefault(BuildTime, Unknown),
		GoVersion:     runtime.Version(),
		DriverVersion: driverVersion(),
	}
}

// String returns a log-friendly representation.
func (i Info) String() string {
	return fmt.Sprintf("%s@%s (commit=%s, build_time=%s, mongo-driver=%s)",
		i.Service, i.Version, i.Commit, i.BuildTime, i.DriverVersion)
}

func driverVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Unknown
	}
	for _, dep := range info.Deps {
		if dep.Path == driverModule {
			if dep.Replace != nil {
				return dep.Replace.Version
			}
			return dep.Version
		}
	}
	return Unknown
}

func normalizeOrDefault(v, fallback string) string {
	norm := strings.TrimSpace(v)
	if norm == "" {
		return fallback
	}
	return norm
}
