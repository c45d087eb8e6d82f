package vfs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zhubert/studio-core/logger"
)

// Reconciler periodically re-reads the workspace tree from the runtime
// and heals the cached tree when they drift apart — the safety net for
// changes the service never saw (processes writing files, crashed
// batches, remote runtimes).
type Reconciler struct {
	service  *Service
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewReconciler creates a reconciler polling at the given interval.
func NewReconciler(service *Service, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{
		service:  service,
		interval: interval,
		log:      logger.WithComponent("vfs-reconcile"),
	}
}

// Start launches the poll loop. Calling Start on a running reconciler is
// a no-op.
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop(ctx)
	}()
	r.log.Debug("reconciler started", "interval", r.interval)
}

// Stop halts the poll loop and waits for it to exit. Safe to call
// multiple times.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
	r.log.Debug("reconciler stopped")
}

func (r *Reconciler) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcileOnce(ctx)
		}
	}
}

// reconcileOnce runs one poll cycle, notifying subscribers only when the
// tree actually changed.
func (r *Reconciler) reconcileOnce(ctx context.Context) {
	changed, err := r.service.Refresh(ctx)
	if err != nil {
		r.log.Warn("reconcile failed", "error", err)
		return
	}
	if changed {
		r.log.Info("tree drift healed")
		r.service.notify()
	}
}
