package main

import (
	"fmt"
	"os"

	"github.com/l1jgo/scenebridge/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "bridgectl:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
