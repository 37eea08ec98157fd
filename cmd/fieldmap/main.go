package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/kasbohm/fmriprep/internal/app"
	"github.com/kasbohm/fmriprep/internal/cli"
)

func main() {
	if err := run(os.Stdout, os.Args[1:]); err != nil {
		if exitErr, ok := err.(*cli.ExitError); ok {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run encapsulates the main application logic for testing and error
// handling.
func run(outW io.Writer, args []string) error {
	opts, shouldExit, err := cli.Parse(args, outW)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}

	a, err := app.New(outW, opts)
	if err != nil {
		return err
	}
	return a.Run(context.Background())
}
