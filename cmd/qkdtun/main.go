package main

import (
	"os"

	"github.com/qkdtun/qkdtun/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
