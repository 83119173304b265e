// Package main provides the meshsync CLI.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/meshsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "meshsync:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
