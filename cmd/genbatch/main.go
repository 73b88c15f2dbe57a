package main

import (
	"os"

	"github.com/psantana5/genbatch/cmd/genbatch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
