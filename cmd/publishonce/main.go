// Command publishonce creates and publishes articles with at-most-once
// publication side effects across any number of nodes.
package main

import (
	"context"
	"os"

	"github.com/roach88/publishonce/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
