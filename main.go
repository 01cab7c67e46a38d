// The main package for the policy-crawler executable.
package main

import (
	"os"

	"github.com/JakeFAU/policy-crawler/cmd"
)

// main defers all execution to the Cobra CLI and exits with its code.
func main() {
	os.Exit(cmd.Execute())
}
