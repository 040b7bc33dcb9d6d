package main

import (
	"os"

	"github.com/localjira/localjira/cmd/localjira/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
