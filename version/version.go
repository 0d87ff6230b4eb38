package version

import (
	"strconv"
	"sync"
)

// Populated at link time by the embedding application, e.g.
//
//	-ldflags "-X github.com/iamhariomsharma/update-kit/version.version=1.4.2
//	          -X github.com/iamhariomsharma/update-kit/version.build=1042"
var (
	version = "development"
	build   = "0"

	mu sync.RWMutex
)

// Version returns the display version of the embedding application.
func Version() string {
	mu.RLock()
	defer mu.RUnlock()
	return version
}

// Build returns the numeric build identifier of the embedding application.
// Returns 0 when no build number has been injected.
func Build() int64 {
	mu.RLock()
	defer mu.RUnlock()

	n, err := strconv.ParseInt(build, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Set overrides the build identity at runtime, for hosts that compute it at
// startup instead of injecting it at link time. Call before starting the
// update engine.
func Set(buildNumber int64, displayVersion string) {
	mu.Lock()
	defer mu.Unlock()
	build = strconv.FormatInt(buildNumber, 10)
	version = displayVersion
}
