// Package main is the entry point for lookout.
package main

import (
	"os"

	"lookout/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
