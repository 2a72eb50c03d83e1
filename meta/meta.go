// Package meta describes the running build.
package meta

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version is the release version, set with
// -ldflags "-X github.com/mmcloughlin/orconn/meta.Version=v1.2.3".
var Version string

const unknown = "unknown"

// Revision returns the VCS revision the binary was built from, suffixed with
// "-dirty" for modified trees.
func Revision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return unknown
	}
	rev, dirty := unknown, false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if dirty {
		rev += "-dirty"
	}
	return rev
}

var osNames = map[string]string{
	"darwin":  "Darwin",
	"freebsd": "FreeBSD",
	"linux":   "Linux",
	"netbsd":  "NetBSD",
	"openbsd": "OpenBSD",
	"windows": "Windows",
}

// Platform is the platform line relays publish, such as
// "orconn v1.2.3 on Linux".
func Platform() string {
	return platform(Version, runtime.GOOS)
}

func platform(version, goos string) string {
	if version == "" {
		version = Revision()
	}
	name, ok := osNames[goos]
	if !ok {
		name = goos
	}
	return fmt.Sprintf("orconn %s on %s", version, name)
}
