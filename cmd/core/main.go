// Command fieldsync is the command-line client of the offline sync core.
// It records local edits, runs sync cycles and resolves conflicts against
// a FieldSync server.
package main

import (
	"fmt"
	"os"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
