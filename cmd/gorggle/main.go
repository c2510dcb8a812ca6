package main

import (
	"os"

	"github.com/gordowuu/GORGGLES/cmd/gorggle/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
