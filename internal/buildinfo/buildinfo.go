// Package buildinfo holds the version stamp printed by `arena version` and
// attached to telemetry.  The release build overrides the defaults with
//
//	-ldflags "-X github.com/terrpan/arena/internal/buildinfo.Version=v0.3.0 \
//	          -X github.com/terrpan/arena/internal/buildinfo.Commit=$(git rev-parse --short HEAD) \
//	          -X github.com/terrpan/arena/internal/buildinfo.BuildTime=$(date -u +%FT%TZ)"
package buildinfo

var (
	// Version is the release tag.  Local builds report "dev".
	Version = "dev"

	// Commit is the short git hash the binary was built from.
	Commit = "unknown"

	// BuildTime is when the binary was linked, in RFC 3339 UTC.
	BuildTime = "unknown"
)

// String formats the stamp on one line.
func String() string {
	return "arena " + Version + " (commit " + Commit + ", built " + BuildTime + ")"
}
