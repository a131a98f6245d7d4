// Command ipc is the command-line client for the local message broker.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/adred-codev/ipcd/cmd/ipc/commands"
)

func main() {
	os.Exit(run(os.Stdout))
}

// run executes the CLI and prints any failure as a single "Error: …" line
// on out. The error line is part of the client contract and goes to
// standard output, not stderr.
func run(out io.Writer) int {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		return 1
	}
	return 0
}
