package main

import (
	"fmt"
	"os"

	"hostbot/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "hostbot:", err)
		os.Exit(1)
	}
}
