package main

import (
	"os"

	"github.com/subosito/gotenv"

	"sfReplicaBackup/cmd"
)

func main() {
	// Try to load a .env file if present so environment variables (e.g. MySQL
	// credentials overrides) are available. Optional: a missing file is not
	// an error.
	_ = gotenv.Load()

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
