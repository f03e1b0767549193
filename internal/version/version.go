// Package version carries build metadata stamped in with -ldflags.
package version

import "fmt"

// Set at link time, e.g.
// -X github.com/mapstack/scenegraph/internal/version.Version=v0.3.1
var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String is the one-line build description recorded in saved manifests.
func String() string {
	return fmt.Sprintf("%s (%s, built %s)", Version, GitSHA, BuildTime)
}
