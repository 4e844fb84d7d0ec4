package main

import (
	"os"

	"github.com/manpreetbhatti/lattice-collab/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
