// Package version provides build-time version information for dbpool.
//
// Values are set at build time using ldflags:
//
//	go build -ldflags "-X github.com/go-i2p/dbpool/version.Version=1.0.0"
//
// Development builds report "dev".
package version

import (
	"fmt"
	"runtime"
)

// Version is the software version.
var Version = "dev"

// GitCommit is the short commit hash the binary was built from.
var GitCommit = ""

// BuildTime is when the binary was built, in RFC 3339 form.
var BuildTime = ""

// Full returns the version with commit and build time when they are known.
func Full() string {
	v := Version
	if GitCommit != "" {
		v += "-" + GitCommit
	}
	if BuildTime != "" {
		v += " (" + BuildTime + ")"
	}
	return v
}

// Banner returns the line printed by the -version flag of a command.
func Banner(program string) string {
	return fmt.Sprintf("%s version %s %s/%s %s", program, Full(), runtime.GOOS, runtime.GOARCH, runtime.Version())
}
