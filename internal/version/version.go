// Package version reports the module and version of the running binary.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const (
	defaultModule  = "pkt.systems/coqsync"
	unknownVersion = "v0.0.0-unknown"
	dirtySuffix    = "+dirty"
)

// buildVersion is set via -ldflags "-X pkt.systems/coqsync/internal/version.buildVersion=...".
var buildVersion = ""

var readBuildInfo = debug.ReadBuildInfo

// Info describes the running binary.
type Info struct {
	Module    string `json:"module"`
	Version   string `json:"version"`
	Revision  string `json:"revision,omitempty"`
	GoVersion string `json:"go,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
}

// Describe returns what is known about the running binary.
func Describe() Info {
	info := Info{Module: defaultModule}
	build, ok := readBuildInfo()
	if ok {
		if path := strings.TrimSpace(build.Main.Path); path != "" {
			info.Module = path
		}
		info.GoVersion = build.GoVersion
		info.Revision = vcsSettings(build).revision
	}
	full := resolve(build, ok)
	info.Version = strings.TrimSuffix(full, dirtySuffix)
	info.Dirty = strings.HasSuffix(full, dirtySuffix)
	return info
}

// Current returns the version without the dirty suffix.
func Current() string {
	return Describe().Version
}

// CurrentWithDirty returns the version with a +dirty suffix for modified
// working trees.
func CurrentWithDirty() string {
	info := Describe()
	if info.Dirty {
		return info.Version + dirtySuffix
	}
	return info.Version
}

// Module returns the main module path.
func Module() string {
	return Describe().Module
}

// resolve picks the link-time version, then the module version, then a
// pseudo-version from VCS stamps.
func resolve(build *debug.BuildInfo, ok bool) string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	if !ok {
		return unknownVersion
	}
	if v := strings.TrimSpace(build.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	if v := pseudoVersion(build); v != "" {
		return v
	}
	return unknownVersion
}

type vcs struct {
	revision string
	time     string
	modified bool
}

func vcsSettings(build *debug.BuildInfo) vcs {
	var out vcs
	if build == nil {
		return out
	}
	for _, setting := range build.Settings {
		switch setting.Key {
		case "vcs.revision":
			out.revision = setting.Value
		case "vcs.time":
			out.time = setting.Value
		case "vcs.modified":
			out.modified = setting.Value == "true"
		}
	}
	return out
}

// pseudoVersion builds v0.0.0-<utc stamp>-<12 char revision>, plus +dirty for
// modified trees.
func pseudoVersion(build *debug.BuildInfo) string {
	stamps := vcsSettings(build)
	if stamps.revision == "" || stamps.time == "" {
		return ""
	}
	at, err := time.Parse(time.RFC3339, stamps.time)
	if err != nil {
		return ""
	}
	rev := stamps.revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + at.UTC().Format("20060102150405") + "-" + rev
	if stamps.modified {
		v += dirtySuffix
	}
	return v
}
