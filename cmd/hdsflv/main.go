// Package main is the entry point for the hdsflv application.
package main

import (
	"os"

	"github.com/jmylchreest/hdsflv/cmd/hdsflv/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
