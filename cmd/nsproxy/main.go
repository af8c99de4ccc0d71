package main

import (
	"os"

	"github.com/avmitin/nsproxy/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
