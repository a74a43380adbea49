package main

import (
	"os"

	"github.com/goliatone/go-provisioning/cmd/provisioner/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
