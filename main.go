// Package main is the entry point for the tagrouter CLI.
package main

import (
	"tagrouter/cli/cmd"
)

func main() {
	cmd.Execute()
}
