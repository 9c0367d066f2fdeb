package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	pointsapp "github.com/canopy-network/canopyx-points/app/points"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	defer cancel()

	app, err := pointsapp.Initialize(ctx)
	if err != nil {
		os.Exit(1)
	}

	if err := app.Start(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}
