package main

import (
	"os"

	"github.com/davanti/abtrack/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
