package main

import (
	"os"

	"github.com/flagstream/edge/cli/cmd"
)

func main() {
	if err := cmd.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
