// Package main is the entry point for the cellagent CLI.
package main

import (
	"os"

	"github.com/cellagent/cellagent/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
