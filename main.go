package main

import (
	"github.com/marcus/herd/cmd"
	"github.com/marcus/herd/internal/version"
)

// Version may be set at build time via -ldflags "-X main.Version=...".
// Left as "dev", it is derived from Go build info.
var Version = "dev"

func main() {
	cmd.SetVersion(version.Effective(Version))
	cmd.Execute()
}
