// Package ssekeepvar provides the version of an ssekeep build, and the logger
// used when registering database types.
package ssekeepvar

import (
	"runtime/debug"
)

// Version is the module version for release builds. For builds from a checkout,
// it is the vcs revision, with "-dirty" appended for uncommitted changes.
var Version = buildVersion()

func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "(devel)"
	}
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}

	vcs := map[string]string{}
	for _, s := range info.Settings {
		vcs[s.Key] = s.Value
	}
	rev := vcs["vcs.revision"]
	if rev == "" {
		return "(devel)"
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if vcs["vcs.modified"] == "true" {
		rev += "-dirty"
	}
	return rev
}
