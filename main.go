// Package main is the entry point for the drctl CLI
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dk8moore/dr-website/cmd"
)

// Set at build time via ldflags
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	cmd.SetVersion(version)
	cmd.SetBuildInfo(commit, buildTime)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.Execute(ctx)
	stop()

	os.Exit(cmd.HandleError(err))
}
