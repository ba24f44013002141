package main

import (
	"context"
	"fmt"
	"os"

	"tumbler/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.NewRootCmd(version).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
