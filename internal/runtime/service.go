package runtime

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
)

// ShutdownContext returns a context cancelled on SIGINT or SIGTERM. The
// worker and scheduler run until this context ends; calling stop releases
// the signal handler.
func ShutdownContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// WaitForSignal blocks until the context ends or a shutdown signal arrives,
// logging which one tripped. Long-running commands use it as their final
// statement so the deferred cleanups run on the way out.
func WaitForSignal(ctx context.Context, service string) {
	if service == "" {
		service = "service"
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		log.Printf("[%s] context cancelled, shutting down", service)
	case sig := <-sigCh:
		log.Printf("[%s] received signal %s, shutting down", service, sig)
	}
}
