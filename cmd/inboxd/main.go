package main

import (
	"os"

	"github.com/tbourn/inbox-ai-pipeline/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
