package main

import (
	"fmt"
	"os"

	gkctlcmd "github.com/telekom/request-gatekeeper/pkg/gkctl/cmd"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := gkctlcmd.NewRootCommand(gkctlcmd.DefaultConfig())
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}
