package version

import (
	"runtime/debug"
	"testing"
)

func stubBuildInfo(t *testing.T, info *debug.BuildInfo, ok bool) {
	t.Helper()
	old := readBuildInfo
	readBuildInfo = func() (*debug.BuildInfo, bool) { return info, ok }
	t.Cleanup(func() { readBuildInfo = old })
}

func stubBuildVersion(t *testing.T, v string) {
	t.Helper()
	old := buildVersion
	buildVersion = v
	t.Cleanup(func() { buildVersion = old })
}

func vcsInfo(modified string) *debug.BuildInfo {
	return &debug.BuildInfo{
		GoVersion: "go1.25.2",
		Main:      debug.Module{Path: "example.test/coq", Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "1234567890abcdef"},
			{Key: "vcs.time", Value: "2025-01-02T03:04:05Z"},
			{Key: "vcs.modified", Value: modified},
		},
	}
}

func TestCurrentPrefersBuildVersion(t *testing.T) {
	stubBuildVersion(t, "v1.2.3+dirty")
	stubBuildInfo(t, vcsInfo("false"), true)

	if got := Current(); got != "v1.2.3" {
		t.Fatalf("expected build version, got %q", got)
	}
	if got := CurrentWithDirty(); got != "v1.2.3+dirty" {
		t.Fatalf("expected dirty build version, got %q", got)
	}
	info := Describe()
	if !info.Dirty || info.Module != "example.test/coq" || info.Revision != "1234567890abcdef" || info.GoVersion != "go1.25.2" {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestDescribeFallbacks(t *testing.T) {
	stubBuildVersion(t, "")
	tests := []struct {
		name   string
		info   *debug.BuildInfo
		ok     bool
		want   string
		dirty  bool
		module string
	}{
		{"no build info", nil, false, unknownVersion, false, defaultModule},
		{"module version", &debug.BuildInfo{Main: debug.Module{Path: "m", Version: "v0.4.0"}}, true, "v0.4.0", false, "m"},
		{"clean vcs", vcsInfo("false"), true, "v0.0.0-20250102030405-1234567890ab", false, "example.test/coq"},
		{"dirty vcs", vcsInfo("true"), true, "v0.0.0-20250102030405-1234567890ab", true, "example.test/coq"},
		{"devel without vcs", &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}}, true, unknownVersion, false, defaultModule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stubBuildInfo(t, tt.info, tt.ok)
			info := Describe()
			if info.Version != tt.want || info.Dirty != tt.dirty || info.Module != tt.module {
				t.Fatalf("unexpected info %+v", info)
			}
		})
	}
}

func TestPseudoVersionRejectsBadTime(t *testing.T) {
	info := vcsInfo("false")
	info.Settings[1].Value = "yesterday"
	if got := pseudoVersion(info); got != "" {
		t.Fatalf("expected no pseudo version, got %q", got)
	}
	if got := pseudoVersion(nil); got != "" {
		t.Fatalf("expected no pseudo version for nil info, got %q", got)
	}
}
