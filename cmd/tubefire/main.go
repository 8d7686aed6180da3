// Command tubefire runs the catalog sync service and its maintenance tasks.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/RezaEskandarii/tubefire/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		logger.New(os.Stderr, "info").Fatal("tubefire", "err", err)
	}
}
