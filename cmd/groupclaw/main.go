// Package main is the entry point for the groupclaw daemon CLI.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/jholhewres/groupclaw/cmd/groupclaw/commands"
)

// version is injected at build time via ldflags.
var version = "dev"

func main() {
	// A .env next to the binary is a convenience for development; a
	// missing file is not an error.
	_ = godotenv.Load()

	rootCmd := commands.NewRootCmd(version)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
