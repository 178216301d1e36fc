package main

import (
	"github.com/joho/godotenv"

	"github.com/runward/runward/internal/cmd"
)

// Set via ldflags at build time.
var (
	version   = "dev"
	commit    = "HEAD"
	buildDate = "unknown"
)

func main() {
	// A missing .env is the normal case.
	_ = godotenv.Load()

	cmd.SetVersionInfo(version, commit, buildDate)
	cmd.Execute()
}
