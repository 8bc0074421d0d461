// Package shutdown coordinates graceful termination of the relay.
//
// Components register handlers; when shutdown is triggered (by signal or
// programmatically) every handler runs under a force context whose
// deadline is the configured grace window. Handlers that outlive the
// window see the context cancelled and must abandon their work.
package shutdown

import (
	"context"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Tracker runs registered shutdown handlers exactly once.
type Tracker struct {
	logger zerolog.Logger
	grace  time.Duration

	initiated chan struct{} // closed when graceful shutdown is initiated
	completed chan struct{} // closed when graceful shutdown is completed
	once      sync.Once     // to trigger shutdown logic only once

	mu       sync.Mutex
	handlers []func(force context.Context)
}

// NewTracker returns a tracker giving handlers the grace window to
// finish before the force context expires.
func NewTracker(grace time.Duration, logger zerolog.Logger) *Tracker {
	return &Tracker{
		logger:    logger.With().Str("component", "shutdown").Logger(),
		grace:     grace,
		initiated: make(chan struct{}),
		completed: make(chan struct{}),
	}
}

// WatchForShutdownSignals watches for shutdown signals (SIGTERM, SIGINT)
// and triggers the graceful shutdown when such a signal is received.
func (t *Tracker) WatchForShutdownSignals() {
	graceful, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-graceful.Done()
		cancel()
		t.Shutdown()
	}()
}

// OnShutdown registers a shutdown handler that will be called when the
// relay is gracefully shutting down.
//
// The given context is cancelled when the graceful shutdown window
// closes and it's time to forcefully shut down. force.Deadline() can be
// inspected to learn when this will happen in advance.
//
// The shutdown is cooperative: Shutdown does not return until every
// handler has returned.
//
// If t is nil this function is a no-op.
func (t *Tracker) OnShutdown(fn func(force context.Context)) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, fn)
}

// Shutdown triggers the shutdown logic.
// If it has already been triggered, it does nothing and returns immediately.
func (t *Tracker) Shutdown() {
	t.once.Do(func() {
		close(t.initiated)
		t.logger.Info().Dur("grace", t.grace).Msg("initiating graceful shutdown")

		force, cancel := context.WithTimeout(context.Background(), t.grace)
		defer cancel()

		t.mu.Lock()
		handlers := t.handlers
		t.mu.Unlock()

		// Run the handlers concurrently and wait for them to complete.
		var wg sync.WaitGroup
		wg.Add(len(handlers))
		for _, fn := range handlers {
			fn := fn
			go func() {
				defer wg.Done()
				fn(force)
			}()
		}
		wg.Wait()

		t.logger.Info().Msg("shutdown completed")
		close(t.completed)
	})
}

// ShutdownInitiated reports whether graceful shutdown has been initiated.
func (t *Tracker) ShutdownInitiated() bool {
	select {
	case <-t.initiated:
		return true
	default:
		return false
	}
}

// Initiated returns a channel that is closed when shutdown begins.
func (t *Tracker) Initiated() <-chan struct{} { return t.initiated }

// Completed returns a channel that is closed once every handler has
// returned.
func (t *Tracker) Completed() <-chan struct{} { return t.completed }
