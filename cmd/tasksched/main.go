package main

import (
	"fmt"
	"os"
)

var (
	version = "dev"
	commit  string
	date    string
)

func main() {
	if err := newCLI().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "tasksched: %s\n", err)
		os.Exit(1)
	}
}
