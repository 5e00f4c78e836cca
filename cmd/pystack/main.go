package main

import (
	"os"

	"github.com/joaorafaelm/pystack/cmd/pystack/cmds"
)

func main() {
	os.Exit(cmds.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
