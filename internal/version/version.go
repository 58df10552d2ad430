package version

import (
	"fmt"
	"runtime"
)

// Version and Commit are set at build time via:
//
//	go build -ldflags "-X ...version.Version=0.2.0 -X ...version.Commit=abc123"
var (
	Version = "dev"
	Commit  = "dev"
)

// String is the one-line version banner printed by the CLI.
func String() string {
	return fmt.Sprintf("gstream %s (%s) %s %s/%s", Version, Commit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
