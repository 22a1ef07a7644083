// Command browserfairy is the thin CLI front-end over the monitoring core.
//
// Per the core's own scope, this binary is deliberately small: it resolves a
// debug endpoint, loads configuration, builds the engine (Protocol Client →
// Target Registry → Supervisor → Writer), runs it until interrupted or the
// browser exits, and prints the overview summary on shutdown. Launching the
// browser process, flag-rich UX, daemonizing, and report generation are all
// left to whatever wraps this binary.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
