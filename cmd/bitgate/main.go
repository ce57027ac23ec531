// Command bitgate runs and operates a bitgate authorization service.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/bitgate/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
