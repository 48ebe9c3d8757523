package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/remote-agent-terminal/dualterm/internal/cli"
	"github.com/remote-agent-terminal/dualterm/internal/widget"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		if errors.Is(err, widget.ErrDetached) {
			return
		}
		fmt.Fprintln(os.Stderr, "termclient:", err)
		os.Exit(1)
	}
}
