// Command prefork runs an HTTP worker pool whose workers share one listening
// address. The coordinator counts the requests its workers report and prints
// the running total once per interval:
//
//	$ prefork --workers 4 --addr :8000
//	numReqs = 0
//	numReqs = 312
//
// Configuration comes from flags, PREFORK_* environment variables and an
// optional YAML file given with --config.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "prefork:", err)
		os.Exit(1)
	}
}
