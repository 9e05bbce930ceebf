package main

import (
	"fmt"
	"os"

	"github.com/zjrosen/passport-consumer/cmd"
)

// Build-time variables set via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	v := version
	if commit != "none" {
		v = fmt.Sprintf("%s (%s, built %s)", version, commit, date)
	}
	cmd.SetVersion(v)

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
