package build

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Version release constants. The semantic versioning scheme is followed,
// with the pre-release identifier carrying nightly or rc tags.
const (
	appMajor uint = 0
	appMinor uint = 1
	appPatch uint = 0

	// appPreRelease MUST only contain characters from the semantic
	// versioning alphabet.
	appPreRelease = "beta"
)

var (
	// Commit stores the current commit hash of this build, it is normally
	// set by the build scripts via linker flags.
	Commit string

	// CommitHash is the commit hash reported by the Go module runtime
	// when Commit is unset.
	CommitHash string

	// GoVersion is the Go toolchain the binary was compiled with.
	GoVersion string

	// RawTags contains the raw set of build tags, separated by commas.
	RawTags string
)

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	GoVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			CommitHash = setting.Value

		case "-tags":
			RawTags = setting.Value
		}
	}
}

// Version returns the application version as a properly formed string per
// the semantic versioning 2.0.0 spec (https://semver.org/).
func Version() string {
	version := fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
	if appPreRelease != "" {
		version = fmt.Sprintf("%s-%s", version, appPreRelease)
	}

	return version
}

// Tags returns the list of build tags that were compiled into the binary.
func Tags() []string {
	if len(RawTags) == 0 {
		return nil
	}

	return strings.Split(RawTags, ",")
}
