// Command blastflow runs the BlastFlow dashboard server and its admin tools.
package main

import (
	"fmt"
	"os"

	"github.com/jholhewres/blastflow/cmd/blastflow/commands"

	_ "time/tzdata" // reset.timezone must resolve on hosts without zoneinfo.
)

// version is injected at build time via ldflags.
var version = "dev"

func main() {
	rootCmd := commands.NewRootCmd(version)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
