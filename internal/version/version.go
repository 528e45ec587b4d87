// Package version reports the build version of the eureka-coord binary.
package version

import (
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

const defaultModule = "github.com/levigo/neverpile-eureka-sub002"

// buildVersion is set with -ldflags "-X github.com/levigo/neverpile-eureka-sub002/internal/version.buildVersion=v1.2.3".
var buildVersion = ""

// VCS describes the source revision recorded by the go toolchain.
type VCS struct {
	Revision string
	Time     time.Time
	Modified bool
}

// Pseudo renders v as a module pseudo-version, or "" when the revision or
// commit time is missing.
func (v VCS) Pseudo() string {
	if v.Revision == "" || v.Time.IsZero() {
		return ""
	}
	rev := v.Revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	out := "v0.0.0-" + v.Time.UTC().Format("20060102150405") + "-" + rev
	if v.Modified {
		out += "+dirty"
	}
	return out
}

var buildInfo = sync.OnceValues(debug.ReadBuildInfo)

// Current returns the ldflags version, the module version, a pseudo-version
// derived from VCS settings, or v0.0.0-unknown, in that order.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	info, ok := buildInfo()
	if !ok {
		return "v0.0.0-unknown"
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	if v := vcsFromSettings(info.Settings).Pseudo(); v != "" {
		return v
	}
	return "v0.0.0-unknown"
}

// Module returns the main module path.
func Module() string {
	if info, ok := buildInfo(); ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

func vcsFromSettings(settings []debug.BuildSetting) VCS {
	var v VCS
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			v.Revision = s.Value
		case "vcs.time":
			if t, err := time.Parse(time.RFC3339, s.Value); err == nil {
				v.Time = t
			}
		case "vcs.modified":
			v.Modified = s.Value == "true"
		}
	}
	return v
}
