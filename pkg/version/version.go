package version

import (
	"fmt"
	"os"
	"runtime"
)

// Version is updated automatically as part of the build process
//
// DO NOT EDIT
var Version = undefinedVersion

const undefinedVersion = "undefined"

func init() {
	// Allows the version to be bound at container build time instead of at
	// executable link time to improve incremental rebuild efficiency.
	if Version == undefinedVersion {
		override := os.Getenv("EDGE_CONTAINER_VERSION_OVERRIDE")
		if override != "" {
			Version = override
		}
	}
}

// UserAgent identifies this edge build in outbound requests.
func UserAgent() string {
	return fmt.Sprintf("flagstream-edge/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}
