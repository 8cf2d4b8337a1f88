package main

import (
	"os"

	"github.com/spigell/qcs-matcher/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
