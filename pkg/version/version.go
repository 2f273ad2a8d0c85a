// Package version exposes the application version derived from build metadata.
//
// Priority: -ldflags override > VCS info from debug.BuildInfo > "dev" fallback.
// Builds from a modified working tree carry a "-dirty" suffix so a deployed
// binary can be traced back to an exact commit or flagged as untraceable.
//
// Usage:
//
//	version.GitCommit  // "a3f8c2d1", "a3f8c2d1-dirty" or "dev"
//	version.Full()     // "agentset/a3f8c2d1" or "agentset/dev"
//	version.UserAgent() // "agentset/a3f8c2d1 (go1.25.6)"
package version

import (
	"runtime"
	"runtime/debug"
)

// AppName is the application name used in version strings and protocol handshakes.
const AppName = "agentset"

// gitCommitOverride is set via -ldflags at build time for container builds
// where .git is unavailable. Empty string means no override.
var gitCommitOverride string

// GitCommit is the short git commit hash (8 chars) from build info.
// Set to "dev" when build info is unavailable (e.g., `go test`, non-git builds).
var GitCommit = initGitCommit()

func initGitCommit() string {
	if gitCommitOverride != "" {
		return short(gitCommitOverride)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	commit, dirty := "", false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			commit = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if commit == "" {
		return "dev"
	}
	if dirty {
		return short(commit) + "-dirty"
	}
	return short(commit)
}

func short(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}
	return commit
}

// Full returns "agentset/<commit>" for use in logging and the health surface.
func Full() string {
	return AppName + "/" + GitCommit
}

// UserAgent identifies this component on outbound collaborator calls, adding
// the Go runtime so a misbehaving client can be pinned from access logs.
func UserAgent() string {
	return Full() + " (" + runtime.Version() + ")"
}
