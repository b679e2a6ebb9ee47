package main

import (
	"fmt"
	"os"

	"github.com/akmistry/mtd/cmds/flashmtd/commands"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

func main() {
	rootCmd := commands.NewRootCmd(fmt.Sprintf("%s (commit: %s)", Version, Commit))
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
