package main

import (
	"fmt"
	"os"

	"aegis/internal/errors"
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		if errors.IsConfig(err) {
			fmt.Fprintf(os.Stderr, "%s\n", failText("configuration error: "+err.Error()))
		} else {
			fmt.Fprintf(os.Stderr, "%s\n", failText(err.Error()))
		}
		os.Exit(1)
	}
}
