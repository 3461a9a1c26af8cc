package main

import (
	"os"

	"github.com/go-delve/framelock/cmd/framelock/cmds"
	"github.com/go-delve/framelock/pkg/version"
)

// Build is the git sha of this binary's source.
var Build string

func main() {
	if Build != "" {
		version.FramelockVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
