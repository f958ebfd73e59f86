package version

import (
	"fmt"
	"io"
	"runtime"
)

// Populated at build time with -ldflags "-X bridgerelay/internal/version.Version=...".
var (
	Version   = "v0.1.0"
	GitRev    = "undefined"
	BuildDate = "undefined"
)

// PrintVersion writes the build information to w.
func PrintVersion(w io.Writer) {
	fmt.Fprintf(w, "Version:      %s\n", Version)
	fmt.Fprintf(w, "Git revision: %s\n", GitRev)
	fmt.Fprintf(w, "Build date:   %s\n", BuildDate)
	fmt.Fprintf(w, "Go version:   %s\n", runtime.Version())
	fmt.Fprintf(w, "OS/Arch:      %s/%s\n", runtime.GOOS, runtime.GOARCH)
}
