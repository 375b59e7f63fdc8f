package sagaflow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPollInterval is how often the recovery worker sweeps when no
// interval is configured.
const DefaultPollInterval = 30 * time.Second

// RecoveryOption configures a RecoveryWorker.
type RecoveryOption func(*RecoveryWorker)

// WithPollInterval sets the sweep interval.
func WithPollInterval(interval time.Duration) RecoveryOption {
	return func(w *RecoveryWorker) {
		if interval > 0 {
			w.pollInterval = interval
		}
	}
}

// WithRecoveryLogger sets the worker's logger.
func WithRecoveryLogger(logger Logger) RecoveryOption {
	return func(w *RecoveryWorker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// RecoveryWorker periodically runs the manager's three recovery sweeps:
// suspension timeouts, TCC reservation timeouts, and pending-command
// redelivery. One worker per store is enough; sweeps tolerate concurrent
// workers through the store's version checks.
type RecoveryWorker struct {
	manager      *SagaManager
	pollInterval time.Duration
	logger       Logger

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewRecoveryWorker creates a RecoveryWorker for the manager.
func NewRecoveryWorker(manager *SagaManager, opts ...RecoveryOption) *RecoveryWorker {
	w := &RecoveryWorker{
		manager:      manager,
		pollInterval: DefaultPollInterval,
		logger:       &noopLogger{},
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Start launches the background sweep loop. Returns ErrWorkerRunning if the
// worker is already started.
func (w *RecoveryWorker) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return ErrWorkerRunning
	}

	w.stopCh = make(chan struct{})
	w.wg.Add(1)

	go w.run(ctx)

	w.logger.Info("recovery worker started", "pollInterval", w.pollInterval.String())
	return nil
}

// Stop signals the loop to exit and waits for it, bounded by the context.
func (w *RecoveryWorker) Stop(ctx context.Context) error {
	if !w.running.CompareAndSwap(true, false) {
		return nil
	}

	close(w.stopCh)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("recovery worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the worker loop is active.
func (w *RecoveryWorker) IsRunning() bool {
	return w.running.Load()
}

// RunOnce performs a single pass of all three sweeps. Sweep errors are
// logged and do not stop later sweeps; the last error is returned.
func (w *RecoveryWorker) RunOnce(ctx context.Context) error {
	var lastErr error

	if err := w.manager.ProcessTimeouts(ctx); err != nil {
		w.logger.Error("suspension timeout sweep failed", "error", err)
		lastErr = err
	}
	if err := w.manager.ProcessTCCTimeouts(ctx); err != nil {
		w.logger.Error("TCC timeout sweep failed", "error", err)
		lastErr = err
	}
	if err := w.manager.RecoverPendingSagas(ctx); err != nil {
		w.logger.Error("pending command sweep failed", "error", err)
		lastErr = err
	}

	return lastErr
}

func (w *RecoveryWorker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			w.running.Store(false)
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.logger.Error("recovery sweep pass failed", "error", err)
			}
		}
	}
}
