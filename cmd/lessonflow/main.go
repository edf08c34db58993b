// Command lessonflow generates accessible lesson plans from the command line
// and serves the HTTP API.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
