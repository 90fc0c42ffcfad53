// Command nodereg runs the compute node registry server and its maintenance tools.
package main

import (
	"fmt"
	"os"

	"evalgo.org/nodereg/internal/commands"
	"evalgo.org/nodereg/internal/version"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	version.Version = Version
	version.BuildTime = BuildTime
	version.GitCommit = GitCommit

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
