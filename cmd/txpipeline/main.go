// Command txpipeline drives the transaction pipeline from the command line:
// health checks, fee estimates, dry runs and sending.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
