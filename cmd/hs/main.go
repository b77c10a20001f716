package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/glentner/hypershell/build"
	hscli "github.com/glentner/hypershell/cli"
)

func main() {
	app := &cli.App{
		Name:    "hs",
		Usage:   "Process shell commands over a distributed, asynchronous queue",
		Version: build.UserVersion(),

		Commands: hscli.Commands,
	}

	// cli.Exit errors carry their own code and are handled inside Run;
	// anything else is an uncaught internal failure.
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(hscli.ExitInternal)
	}
}
