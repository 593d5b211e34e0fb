// Package signal ties command lifetime to SIGINT/SIGTERM.
package signal

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

var interruptSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}

// InterruptContext returns context which is done on application interrupt
// or when the returned cancel is called.
func InterruptContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, interruptSignals...)
	go func() {
		defer signal.Stop(quit)
		select {
		case <-quit:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
