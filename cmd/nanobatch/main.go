// Minimal entry point that delegates CLI handling to the Cobra root
// command in internal/cli/root.go.
package main

import "nanobatch-go/internal/cli"

func main() {
	cli.Execute()
}
