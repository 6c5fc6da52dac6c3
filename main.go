package main

import (
	"fmt"
	"os"

	"rugcomposer/core"
)

func main() {
	root := newRootCmd(os.Stdout)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(core.ExitCodeFor(err))
	}
}
