// The main package for the jobtracker executable.
package main

import (
	"github.com/JakeFAU/scrape-job-tracker/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
