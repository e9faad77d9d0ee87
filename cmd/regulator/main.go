package main

import (
	"os"

	"github.com/cipherflows/regulator/cmd/regulator/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
