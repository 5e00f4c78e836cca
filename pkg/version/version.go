package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Name is the program name printed in the version banner.
const Name = "pystack"

// Version represents the current version of pystack.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	Build    string
}

// PystackVersion is the current version of pystack.
var PystackVersion = Version{
	Major: "1", Minor: "3", Patch: "0", Metadata: "",
	Build: "$Id$",
}

// Short returns the one line "pystack X.Y.Z" banner.
func (v Version) Short() string {
	ver := fmt.Sprintf("%s %s.%s.%s", Name, v.Major, v.Minor, v.Patch)
	if v.Metadata != "" {
		ver += "-" + v.Metadata
	}
	return ver
}

func (v Version) String() string {
	fixBuild(&v)
	return fmt.Sprintf("%s\nBuild: %s", v.Short(), v.Build)
}

// BuildInfo returns the Go toolchain pystack was built with followed by
// the main module and its dependencies, one per line.
func BuildInfo() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "%s %s\n", Name, runtime.Version())
	info, ok := debug.ReadBuildInfo()
	if !ok {
		buf.WriteString("no module information: binary built outside module mode\n")
		return buf.String()
	}
	fmt.Fprintf(&buf, " mod\t%s\t%s\n", info.Main.Path, info.Main.Version)
	for _, dep := range info.Deps {
		if dep.Replace != nil {
			dep = dep.Replace
		}
		fmt.Fprintf(&buf, " dep\t%s\t%s\n", dep.Path, dep.Version)
	}
	return buf.String()
}

func fixBuild(v *Version) {
	// Return if v.Build already set, but not if it is Git ident expand file blob hash
	if !strings.HasPrefix(v.Build, "$Id$") {
		return
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			v.Build = setting.Value
			return
		}
	}
}
