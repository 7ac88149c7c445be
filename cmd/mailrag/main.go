// Package main provides the entry point for the mailrag service.
package main

import (
	"os"

	"github.com/inboxlab/mailrag/cmd/mailrag/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
