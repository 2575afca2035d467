// Command jobsched-trace replays scheduler scenarios, described as YAML
// documents, printing the order in which jobs and post-flush callbacks ran.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
