// Package main is the entry point for the sleetbubble application.
package main

import (
	"os"

	"github.com/sleetbubble/sleetbubble/cmd/sleetbubble/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
