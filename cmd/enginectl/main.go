// enginectl is the operator CLI for the recurrence and workflow engines.
package main

import (
	"fmt"
	"os"

	"github.com/firmflow/engine/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
