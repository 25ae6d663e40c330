package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/benderick/EOLO-WEB/cmd"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := cmd.Execute(ctx, Version); err != nil {
		os.Exit(1)
	}
}
