package main

import (
	"os"

	"github.com/cryptoportfolio/core/cmd/portfoliod/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
