// Package main is the entry point for NeuroSched, a learning-based pod
// placement engine.
package main

import (
	"os"

	"github.com/softcane/neurosched/cmd/scheduler/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
