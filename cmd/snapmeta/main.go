package main

import (
	"os"

	"github.com/snapmeta/snapmeta/cmd/snapmeta/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
