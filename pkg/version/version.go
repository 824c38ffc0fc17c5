// Package version reports the build stamped into GhostInbox binaries.
//
//	go build -ldflags "-X github.com/ghostinbox/ghostinbox/pkg/version.tag=v1.0.0
//	  -X github.com/ghostinbox/ghostinbox/pkg/version.commit=abc1234
//	  -X github.com/ghostinbox/ghostinbox/pkg/version.date=2026-01-01"
package version

// Set by -ldflags; local builds report "dev".
var (
	tag    = ""
	commit = "unknown"
	date   = "unknown"
)

// String returns the tag, else the commit, else "dev".
func String() string {
	switch {
	case tag != "":
		return tag
	case commit != "unknown":
		return commit
	default:
		return "dev"
	}
}

// Full returns the version with commit and build date when known.
func Full() string {
	switch {
	case tag != "":
		return tag + " (" + commit + ") built " + date
	case commit != "unknown":
		return commit + " built " + date
	default:
		return "dev"
	}
}

// Banner returns the line printed by a binary's -version flag.
func Banner(binary string) string {
	return binary + " " + Full()
}
