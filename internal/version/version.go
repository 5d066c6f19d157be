// Package version reports the sessiond build version.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/sessiond"

// buildVersion is set via -ldflags "-X pkt.systems/sessiond/internal/version.buildVersion=...".
var buildVersion = ""

// Info is the build description printed by `sessiond version` and served
// by /healthz.
type Info struct {
	Version   string `json:"version"`
	Module    string `json:"module"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func (i Info) String() string {
	return fmt.Sprintf("%s %s (%s, %s)", i.Module, i.Version, i.GoVersion, i.Platform)
}

// Get collects the Info of the running binary.
func Get() Info {
	info, _ := debug.ReadBuildInfo()
	return Info{
		Version:   resolve(buildVersion, info),
		Module:    module(info),
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Current returns the best available version string.
func Current() string {
	info, _ := debug.ReadBuildInfo()
	return resolve(buildVersion, info)
}

func resolve(stamped string, info *debug.BuildInfo) string {
	if v := strings.TrimSpace(stamped); v != "" {
		return v
	}
	if info != nil {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return v
		}
		if v := pseudoVersion(info.Settings); v != "" {
			return v
		}
	}
	return "v0.0.0-unknown"
}

func module(info *debug.BuildInfo) string {
	if info != nil {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

// pseudoVersion derives a Go-style pseudo version from VCS build settings.
func pseudoVersion(settings []debug.BuildSetting) string {
	var revision, vcsTime string
	var modified bool
	for _, setting := range settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.time":
			vcsTime = setting.Value
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	if revision == "" || vcsTime == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, vcsTime)
	if err != nil {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	ver := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + revision
	if modified {
		ver += "+dirty"
	}
	return ver
}
