package main

import (
	"os"
)

// release/commit/date are build-time ldflags vars, stamped by the
// release pipeline rather than hard-coded.
var (
	release = "0.0.0"
	commit  = ""
	date    = "Thu, 01 Jan 1970 00:00:00 +0000"
)

func main() {
	commandInit()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
