package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fleetctl/coordinator/internal/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("Failed to initialize worker: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		a.Log.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	a.Log.Info("worker running", "node_id", a.Cfg.NodeID)
	<-ctx.Done()
	a.Log.Info("shutting down")
}
