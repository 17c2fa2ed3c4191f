package main

import (
	"os"

	"github.com/snajpa/rllm/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
