package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestGet(t *testing.T) {
	info := Get()

	if info.Service != Service {
		t.Errorf("Service = %q, want %q", info.Service, Service)
	}
	if info.Version == "" {
		t.Error("Version should not be empty")
	}
	if info.Commit == "" {
		t.Error("Commit should not be empty")
	}
	if info.BuildTime == "" {
		t.Error("BuildTime should not be empty")
	}
	if info.GoVersion != runtime.Version() {
		t.Errorf("GoVersion = %q, want %q", info.GoVersion, runtime.Version())
	}
}

func TestInfoString(t *testing.T) {
	info := Info{Service: "presencepulse", Version: "v1.2.3", Commit: "abc123", GoVersion: "go1.25.0"}

	got := info.String()
	for _, part := range []string{"presencepulse", "v1.2.3", "abc123", "go1.25.0"} {
		if !strings.Contains(got, part) {
			t.Errorf("String() = %q, missing %q", got, part)
		}
	}
}
