// Package version parses and orders dotted release version strings.
//
// Only the numeric major.minor.patch triple is considered. Pre-release and
// build suffixes are not recognized: "1.2.0-rc1" compares equal to "1.2.0".
// This is a known limitation kept for compatibility with existing release tags.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is the numeric part of a release version.
type Version struct {
	Major int
	Minor int
	Patch int
}

// Parse strips a leading "v" or "V" and reads up to three dot-separated
// components. Absent or non-numeric components are zero; Parse never fails.
func Parse(s string) Version {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "v"), "V")

	var parts [3]int
	for i, field := range strings.SplitN(s, ".", 4) {
		if i >= len(parts) {
			break
		}
		parts[i] = leadingInt(field)
	}

	return Version{Major: parts[0], Minor: parts[1], Patch: parts[2]}
}

// String returns the canonical "major.minor.patch" form
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1 as v is lower than, equal to or greater than other.
func (v Version) Compare(other Version) int {
	switch {
	case v.Major != other.Major:
		return sign(v.Major - other.Major)
	case v.Minor != other.Minor:
		return sign(v.Minor - other.Minor)
	default:
		return sign(v.Patch - other.Patch)
	}
}

// Compare parses both strings and compares them.
func Compare(a, b string) int {
	return Parse(a).Compare(Parse(b))
}

// IsNewer reports whether candidate orders strictly after current.
func IsNewer(candidate, current string) bool {
	return Compare(candidate, current) > 0
}

// leadingInt reads the decimal digits at the start of s, so "3-rc1" is 3 and
// "x" is 0.
func leadingInt(s string) int {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return n
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}
