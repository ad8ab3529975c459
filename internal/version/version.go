// Package version describes the build of a broker or client and decides
// whether two builds may talk to each other.
package version

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// Set at link time with -ldflags "-X .../internal/version.Version=v2.1.0".
var (
	Version   = "v2.0.0"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Info is the version triple exchanged during registration.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Current returns the info of the running binary.
func Current() Info {
	return Info{Version: Version, Commit: Commit, BuildDate: BuildDate}
}

func (i Info) String() string {
	return fmt.Sprintf("%s (%s, %s)", i.Version, i.Commit, i.BuildDate)
}

// Valid reports whether Version is a semantic version.
func (i Info) Valid() bool {
	return semver.IsValid(i.Version)
}

// CompatibilityLevel is how much of the version must match. Each level
// includes every check of the levels before it.
type CompatibilityLevel int

const (
	CompatibilityOff CompatibilityLevel = iota
	CompatibilityMajor
	CompatibilityMinor
	CompatibilityPatch
	CompatibilityCommitID
	CompatibilityBuildDate
)

var levelNames = []string{"OFF", "MAJOR", "MINOR", "PATCH", "COMMIT_ID", "BUILD_DATE"}

func (l CompatibilityLevel) String() string {
	if l < 0 || int(l) >= len(levelNames) {
		return fmt.Sprintf("CompatibilityLevel(%d)", int(l))
	}
	return levelNames[l]
}

// ParseCompatibilityLevel accepts the level names case-insensitively;
// "exact" is the strictest level.
func ParseCompatibilityLevel(s string) (CompatibilityLevel, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	if name == "EXACT" {
		return CompatibilityBuildDate, nil
	}
	for i, n := range levelNames {
		if n == name {
			return CompatibilityLevel(i), nil
		}
	}
	return CompatibilityOff, fmt.Errorf("unknown compatibility level %q (want one of %s)", s, strings.Join(levelNames, ", "))
}

// UnmarshalText lets envconfig and flag parse levels by name.
func (l *CompatibilityLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseCompatibilityLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// MarshalText renders the level name.
func (l CompatibilityLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// CompatibleWith reports whether a peer running other may connect at the
// given level.
func (i Info) CompatibleWith(other Info, level CompatibilityLevel) bool {
	if level <= CompatibilityOff {
		return true
	}
	if !i.Valid() || !other.Valid() {
		return false
	}

	switch {
	case semver.Major(i.Version) != semver.Major(other.Version):
		return false
	case level >= CompatibilityMinor && semver.MajorMinor(i.Version) != semver.MajorMinor(other.Version):
		return false
	case level >= CompatibilityPatch && release(i.Version) != release(other.Version):
		return false
	case level >= CompatibilityCommitID && i.Commit != other.Commit:
		return false
	case level >= CompatibilityBuildDate && i.BuildDate != other.BuildDate:
		return false
	}
	return true
}

// release strips build metadata and pre-release suffixes: v1.2 -> v1.2.0.
func release(v string) string {
	return strings.TrimSuffix(semver.Canonical(v), semver.Prerelease(v))
}
