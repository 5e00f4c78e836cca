package pyruntime

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
)

// Version is a CPython major.minor version.
type Version struct {
	Major, Minor int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// AfterOrEqual reports whether v is the same as or newer than o.
func (v Version) AfterOrEqual(o Version) bool {
	return v.Major > o.Major || (v.Major == o.Major && v.Minor >= o.Minor)
}

var versionStringRx = regexp.MustCompile(`^([23])\.([0-9]{1,2})$`)

// ParseVersion parses a "3.8" style version string.
func ParseVersion(s string) (Version, error) {
	m := versionStringRx.FindStringSubmatch(s)
	if m == nil {
		return Version{}, fmt.Errorf("malformed python version %q", s)
	}
	return versionFromMatch(m[1], m[2]), nil
}

func versionFromMatch(major, minor string) Version {
	maj, _ := strconv.Atoi(major)
	mnr, _ := strconv.Atoi(minor)
	return Version{Major: maj, Minor: mnr}
}

var (
	libpythonRx = regexp.MustCompile(`^libpython([23])\.([0-9]{1,2})[a-z]*\.so`)
	pythonExeRx = regexp.MustCompile(`^python([23])\.([0-9]{1,2})[a-z]*$`)
)

// isLibpython reports whether path names a shared CPython runtime.
func isLibpython(path string) bool {
	return libpythonRx.MatchString(filepath.Base(path))
}

// versionFromPath extracts the interpreter version from the file name of
// a libpython shared object or a versioned python executable.
func versionFromPath(path string) (Version, bool) {
	base := filepath.Base(path)
	if m := libpythonRx.FindStringSubmatch(base); m != nil {
		return versionFromMatch(m[1], m[2]), true
	}
	if m := pythonExeRx.FindStringSubmatch(base); m != nil {
		return versionFromMatch(m[1], m[2]), true
	}
	return Version{}, false
}

// releaseRx matches the NUL terminated PY_VERSION literal ("3.8.10",
// "3.10.0rc2", "2.7.18+") embedded in the interpreter's read-only data.
var releaseRx = regexp.MustCompile(`\x00([23])\.([0-9]{1,2})\.[0-9]{1,2}(?:(?:a|b|rc)[0-9]{1,2})?\+?\x00`)

// scanVersion looks for the interpreter release string in data.
func scanVersion(data []byte) (Version, bool) {
	m := releaseRx.FindSubmatch(data)
	if m == nil {
		return Version{}, false
	}
	return versionFromMatch(string(m[1]), string(m[2])), true
}
