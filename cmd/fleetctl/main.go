// Package main is the entry point for the fleetplane CLI.
// The CLI is the operator terminal tool for interacting with the
// fleetplane API.
package main

import (
	"os"

	"fleetplane/cmd/fleetctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
