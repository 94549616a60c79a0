// Package version parses and compares the major.minor.patch[-prerelease]
// version strings used for release tags and installed-agent versions.
package version

import (
	"strconv"
	"strings"
)

// Semantic is a parsed major.minor.patch[-prerelease] version.
type Semantic struct {
	Major      int
	Minor      int
	Patch      int
	Prerelease string
}

// Parse parses a string like "v1.2.3" or "1.2.3-beta". Returns false if
// the string is not a recognizable version.
func Parse(s string) (Semantic, bool) {
	s = strings.TrimPrefix(s, "v")
	if s == "" {
		return Semantic{}, false
	}

	var prerelease string
	if idx := strings.Index(s, "-"); idx >= 0 {
		prerelease = s[idx+1:]
		s = s[:idx]
	}

	parts := strings.Split(s, ".")
	if len(parts) < 1 || len(parts) > 3 {
		return Semantic{}, false
	}

	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return Semantic{}, false
	}

	var minor, patch int
	if len(parts) >= 2 {
		if minor, err = strconv.Atoi(parts[1]); err != nil {
			return Semantic{}, false
		}
	}
	if len(parts) >= 3 {
		if patch, err = strconv.Atoi(parts[2]); err != nil {
			return Semantic{}, false
		}
	}

	return Semantic{Major: major, Minor: minor, Patch: patch, Prerelease: prerelease}, true
}

// GreaterThan reports whether v is newer than other. A release version
// beats a prerelease of the identical major.minor.patch.
func (v Semantic) GreaterThan(other Semantic) bool {
	if v.Major != other.Major {
		return v.Major > other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor > other.Minor
	}
	if v.Patch != other.Patch {
		return v.Patch > other.Patch
	}
	if v.Prerelease == "" && other.Prerelease != "" {
		return true
	}
	if v.Prerelease != "" && other.Prerelease == "" {
		return false
	}
	return v.Prerelease > other.Prerelease
}

// String renders "major.minor.patch[-prerelease]".
func (v Semantic) String() string {
	s := strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor) + "." + strconv.Itoa(v.Patch)
	if v.Prerelease != "" {
		s += "-" + v.Prerelease
	}
	return s
}
