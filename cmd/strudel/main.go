// Package main provides the strudel CLI: a console that starts and drives
// the bridge server.
package main

import (
	"fmt"
	"os"

	"github.com/sirosfoundation/go-strudel-bridge/cmd/strudel/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
