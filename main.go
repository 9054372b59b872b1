// The main package for the wayback-cache-proxy executable.
package main

import (
	"github.com/exhibitlab/wayback-cache-proxy/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
