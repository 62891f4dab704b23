package main

import (
	"os"

	"github.com/fatih/color"

	"neo-trader/internal/cli"
	"neo-trader/internal/logging"
)

func main() {
	root := cli.NewRootCmd(logging.NewLogger())
	if err := root.Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
