package version

import (
	"runtime/debug"
	"testing"
)

func TestSetAndUserAgent(t *testing.T) {
	original := Current()
	t.Cleanup(func() { Set(original) })

	Set(Info{Commit: "abc123"})
	if got := Current(); got.Version == "" || got.Name != Name || got.Commit != "abc123" {
		t.Fatalf("unexpected info %+v", got)
	}

	Set(Info{Version: "1.4.0"})
	if ua := UserAgent(); ua != "gpumon/1.4.0" {
		t.Fatalf("unexpected user agent %q", ua)
	}
}

func TestMergeBuildInfo(t *testing.T) {
	t.Parallel()

	build := &debug.BuildInfo{
		GoVersion: "go1.25.1",
		Main:      debug.Module{Path: "github.com/skobkin/gpumon", Version: "v0.3.0"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "deadbeef"},
			{Key: "vcs.time", Value: "2025-03-01T12:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}

	got := merge(Info{Version: devVersion}, build)
	want := Info{
		Version:   "v0.3.0",
		Commit:    "deadbeef",
		BuildTime: "2025-03-01T12:00:00Z",
		Modified:  true,
		GoVersion: "go1.25.1",
	}
	if got != want {
		t.Fatalf("merge = %+v, want %+v", got, want)
	}

	pinned := merge(Info{Version: "1.0.0", Commit: "cafe"}, build)
	if pinned.Version != "1.0.0" || pinned.Commit != "cafe" {
		t.Fatalf("linker values must win, got %+v", pinned)
	}

	devel := merge(Info{}, &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}})
	if devel.Version != "" {
		t.Fatalf("(devel) must not become the version, got %q", devel.Version)
	}
}
