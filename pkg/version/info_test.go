package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestCurrent_Defaults(t *testing.T) {
	info := Current("  ")
	if info.Service != Unknown {
		t.Fatalf("expected unknown service, got %q", info.Service)
	}
	if info.Version != AppVersion {
		t.Fatalf("expected %q, got %q", AppVersion, info.Version)
	}
	if info.GoVersion != runtime.Version() {
		t.Fatalf("expected %q, got %q", runtime.Version(), info.GoVersion)
	}
	if info.DriverVersion == "" {
		t.Fatal("expected a driver version or unknown")
	}
}

func TestCurrent_BuildOverrides(t *testing.T) {
	prevVersion, prevCommit := AppVersion, GitCommit
	defer func() { AppVersion, GitCommit = prevVersion, prevCommit }()

	AppVersion = "v1.4.0"
	GitCommit = "abc123"
	info := Current("mongoengine")

	if info.Version != "v1.4.0" || info.Commit != "abc123" {
		t.Fatalf("unexpected info %+v", info)
	}
	if !strings.HasPrefix(info.String(), "mongoengine@v1.4.0 (commit=abc123") {
		t.Fatalf("unexpected string %q", info.String())
	}
}
