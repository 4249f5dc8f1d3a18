package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Info describes the running binary.
type Info struct {
	Version string
	Commit  string
}

// Version determines version and commit information based on the hardcoded
// version number passed as parameter and commit information added to the
// binary by `go build`.
func Version(version string) *Info {
	const hashLen = 7 // Same truncation length for the commit hash as used by git describe.

	commit := ""
	if info, ok := debug.ReadBuildInfo(); ok {
		modified := false

		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				commit = setting.Value
			case "vcs.modified":
				modified = setting.Value == "true"
			}
		}

		if len(commit) >= hashLen {
			commit = commit[:hashLen]
			if modified {
				commit += "-dirty"
			}
		}
	}

	return &Info{
		Version: version,
		Commit:  commit,
	}
}

// Print writes verbose version output to stdout.
func (v *Info) Print(name string) {
	fmt.Println(name, "version:", v.String())
	fmt.Println()
	fmt.Println("Build information:")
	fmt.Printf("  Go version: %s (%s, %s)\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// String returns the version string, augmented with the commit hash if known.
func (v *Info) String() string {
	if v.Commit != "" && !strings.Contains(v.Version, v.Commit) {
		return v.Version + " (" + v.Commit + ")"
	}

	return v.Version
}
