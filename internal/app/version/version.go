package version

import "runtime/debug"

// Default values are overridden at build time via -ldflags.
// Keep these lower-case so ldflags can set them without exporting internals.
var (
	buildVersion = "dev"
	builtAt      = "unknown"
)

// Info represents the running build metadata.
type Info struct {
	BuildVersion string `json:"buildVersion"`
	BuiltAt      string `json:"builtAt"`
	GoVersion    string `json:"goVersion,omitempty"`
	Revision     string `json:"revision,omitempty"`
	Modified     bool   `json:"modified,omitempty"`
}

// Get returns the current build metadata. A dev build reports the module
// version recorded by the toolchain when there is one.
func Get() Info {
	info := Info{BuildVersion: buildVersion, BuiltAt: builtAt}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.GoVersion = bi.GoVersion
		if info.BuildVersion == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.BuildVersion = bi.Main.Version
		}
		for _, setting := range bi.Settings {
			switch setting.Key {
			case "vcs.revision":
				info.Revision = setting.Value
			case "vcs.modified":
				info.Modified = setting.Value == "true"
			}
		}
	}
	return info
}
