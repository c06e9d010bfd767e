// Command intentd runs the durable intent execution runtime.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/intentd/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
