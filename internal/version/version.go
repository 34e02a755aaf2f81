// Package version tracks build metadata for the application.
package version

import (
	"runtime/debug"
	"sync"
)

// Name is the product name used in user agents and the version endpoint.
const Name = "gpumon"

const devVersion = "dev"

// Info describes the running binary.
type Info struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version,omitempty"`
}

var (
	mu      sync.RWMutex
	current = Info{Name: Name, Version: devVersion}
)

// Set installs build metadata. Fields left empty by the linker flags are
// filled from the module build info when the binary carries it.
func Set(v Info) {
	if build, ok := debug.ReadBuildInfo(); ok {
		v = merge(v, build)
	}
	v.Name = Name
	if v.Version == "" {
		v.Version = devVersion
	}

	mu.Lock()
	current = v
	mu.Unlock()
}

// Current returns the installed build metadata.
func Current() Info {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// UserAgent is sent with outgoing webhook requests.
func UserAgent() string {
	return Name + "/" + Current().Version
}

func merge(v Info, build *debug.BuildInfo) Info {
	if v.GoVersion == "" {
		v.GoVersion = build.GoVersion
	}
	if (v.Version == "" || v.Version == devVersion) && build.Main.Version != "" && build.Main.Version != "(devel)" {
		v.Version = build.Main.Version
	}
	for _, setting := range build.Settings {
		switch setting.Key {
		case "vcs.revision":
			if v.Commit == "" {
				v.Commit = setting.Value
			}
		case "vcs.time":
			if v.BuildTime == "" {
				v.BuildTime = setting.Value
			}
		case "vcs.modified":
			v.Modified = v.Modified || setting.Value == "true"
		}
	}
	return v
}
