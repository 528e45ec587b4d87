package version

import (
	"runtime/debug"
	"testing"
)

func TestVCSPseudo(t *testing.T) {
	cases := []struct {
		name     string
		settings []debug.BuildSetting
		want     string
	}{
		{"missing revision", []debug.BuildSetting{{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"}}, ""},
		{"bad time", []debug.BuildSetting{{Key: "vcs.revision", Value: "abc"}, {Key: "vcs.time", Value: "yesterday"}}, ""},
		{"clean", []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
		}, "v0.0.0-20260102030405-0123456789ab"},
		{"dirty", []debug.BuildSetting{
			{Key: "vcs.revision", Value: "abc"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05+02:00"},
			{Key: "vcs.modified", Value: "true"},
		}, "v0.0.0-20260102010405-abc+dirty"},
	}
	for _, tc := range cases {
		if got := vcsFromSettings(tc.settings).Pseudo(); got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}

func TestCurrentPrefersLinkerVersion(t *testing.T) {
	old := buildVersion
	t.Cleanup(func() { buildVersion = old })
	buildVersion = "v9.9.9"
	if got := Current(); got != "v9.9.9" {
		t.Fatalf("got %q", got)
	}
	buildVersion = ""
	if Current() == "" || Module() == "" {
		t.Fatal("expected non-empty fallbacks")
	}
}
