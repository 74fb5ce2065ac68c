// Command blenderagent is a conversational agent that drives Blender
// through its bridge add-on.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
