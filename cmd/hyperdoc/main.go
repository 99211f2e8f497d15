// Command hyperdoc runs and edits peer-to-peer synchronized documents.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/hyperdoc/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
