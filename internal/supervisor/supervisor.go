// This package contains a simple supervisor that runs the facilitator
// workers until the first one fails or the context is canceled.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// Worker managed by the supervisor. Start blocks until the worker
// finishes; it signals ready once the worker is serving.
type Worker interface {
	fmt.Stringer
	Start(ctx context.Context, ready chan<- struct{}) error
}

// SupervisorWorker starts its workers in order and stops them all
// when any of them returns.
type SupervisorWorker struct {
	Workers []Worker
}

func (w SupervisorWorker) String() string {
	return "supervisor"
}

func (w SupervisorWorker) Start(ctx context.Context, ready chan<- struct{}) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, len(w.Workers))
	for _, worker := range w.Workers {
		// Buffered so a worker that becomes ready after the
		// supervisor stopped waiting does not block forever.
		workerReady := make(chan struct{}, 1)
		wg.Add(1)
		go func(worker Worker) {
			defer wg.Done()
			defer cancel()
			err := worker.Start(ctx, workerReady)
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("worker exited with error", "worker", worker, "err", err)
				errs <- fmt.Errorf("%v: %w", worker, err)
				return
			}
			slog.Debug("worker exited", "worker", worker)
		}(worker)
		select {
		case <-workerReady:
		case <-ctx.Done():
		}
	}
	select {
	case ready <- struct{}{}:
	case <-ctx.Done():
	}
	wg.Wait()
	close(errs)
	return <-errs
}

// HttpWorker hosts an HTTP handler.
type HttpWorker struct {
	Address string
	Handler http.Handler
}

func (w HttpWorker) String() string {
	return "http"
}

func (w HttpWorker) Start(ctx context.Context, ready chan<- struct{}) error {
	listener, err := net.Listen("tcp", w.Address)
	if err != nil {
		return fmt.Errorf("http: listen %s: %w", w.Address, err)
	}
	server := &http.Server{Handler: w.Handler}
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(listener)
	}()
	slog.Info("http: listening", "address", w.Address)
	select {
	case ready <- struct{}{}:
	case <-ctx.Done():
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// TickerWorker runs a function periodically. Used for housekeeping
// such as nullifier cleanup and the deferred settlement sweep.
type TickerWorker struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

func (w TickerWorker) String() string {
	return w.Name
}

func (w TickerWorker) Start(ctx context.Context, ready chan<- struct{}) error {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	select {
	case ready <- struct{}{}:
	case <-ctx.Done():
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.Run(ctx); err != nil {
				slog.Error("periodic worker failed", "worker", w.Name, "err", err)
			}
		}
	}
}
