// Package reconcile provides periodic usage reconciliation.
//
// Usage counters drift when a process dies between a payload write and its
// accounting, or when two first writes of a tenant race on the usage row.
// The reconciler periodically overwrites each tenant's counter with the
// total reported by its configured usage source. Tenants without a source
// are counted as failures.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/shardstore/internal/logger"
	"github.com/marmos91/shardstore/pkg/filestore/quota"
)

// DefaultInterval is the reconciliation period when none is configured.
const DefaultInterval = 24 * time.Hour

// Tenants is the view of the tenant registry the reconciler needs.
// Implemented by *registry.Registry.
type Tenants interface {
	Tenants() []string
	Storage(ctx context.Context, tenant string) (*quota.Storage, error)
}

// Config contains configuration for the reconciler.
type Config struct {
	// Enabled controls whether periodic reconciliation runs (default: false)
	Enabled bool

	// Interval is how often to reconcile (default: 24h)
	Interval time.Duration

	// Timeout bounds a single run (default: 10m)
	Timeout time.Duration
}

// Reconciler periodically recalculates the usage of every open tenant.
//
// Thread Safety: Safe for concurrent use.
type Reconciler struct {
	tenants Tenants
	config  Config

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	mu        sync.Mutex
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New creates a reconciler. Call Start to begin background runs.
func New(tenants Tenants, config Config) (*Reconciler, error) {
	if tenants == nil {
		return nil, fmt.Errorf("reconciler requires a tenant registry")
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Minute
	}

	return &Reconciler{
		tenants: tenants,
		config:  config,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start begins background reconciliation. Subsequent calls are no-ops.
func (r *Reconciler) Start() {
	if !r.config.Enabled {
		logger.Info("Usage reconciliation disabled")
		return
	}

	r.startOnce.Do(func() {
		r.mu.Lock()
		r.started = true
		r.mu.Unlock()

		logger.Info("Starting usage reconciler: interval=%s", r.config.Interval)
		go r.worker()
	})
}

// Stop stops the worker and waits for an in-progress run to finish.
//
// Returns ctx.Err() if the context expires first. Safe to call multiple
// times, and before Start.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return nil
	}

	r.stopOnce.Do(func() {
		logger.Info("Stopping usage reconciler...")
		close(r.stopCh)
	})

	select {
	case <-r.doneCh:
		return nil
	case <-ctx.Done():
		logger.Warn("Usage reconciler shutdown timeout")
		return ctx.Err()
	}
}

// RunNow reconciles every open tenant immediately and blocks until done.
func (r *Reconciler) RunNow(ctx context.Context) (*Stats, error) {
	logger.Info("Reconciling usage (manual trigger)...")
	return r.reconcile(ctx)
}

func (r *Reconciler) worker() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.config.Timeout)
			stats, err := r.reconcile(ctx)
			cancel()

			if err != nil {
				logger.Error("Usage reconciliation failed: %v", err)
			} else {
				logger.Info("Usage reconciliation completed: %s", stats.Summary())
			}

		case <-r.stopCh:
			return
		}
	}
}

// reconcile recalculates each tenant in turn. A failing tenant is counted
// and logged; the run continues with the next one.
func (r *Reconciler) reconcile(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		StartTime: time.Now(),
		Usage:     make(map[string]int64),
	}

	for _, tenant := range r.tenants.Tenants() {
		if err := ctx.Err(); err != nil {
			stats.EndTime = time.Now()
			return stats, err
		}

		storage, err := r.tenants.Storage(ctx, tenant)
		if err != nil {
			logger.Warn("Reconcile: cannot open tenant %s: %v", tenant, err)
			stats.FailedCount++
			continue
		}

		total, err := storage.RecalculateUsage(ctx)
		if err != nil {
			logger.Warn("Reconcile: tenant %s: %v", tenant, err)
			stats.FailedCount++
			continue
		}

		stats.Usage[tenant] = total
		stats.ReconciledCount++
		logger.Debug("Reconcile: tenant %s uses %d bytes", tenant, total)
	}

	stats.EndTime = time.Now()
	return stats, nil
}

// Stats contains statistics from a reconciliation run.
type Stats struct {
	StartTime       time.Time
	EndTime         time.Time
	ReconciledCount uint64           // Tenants whose usage was rewritten
	FailedCount     uint64           // Tenants that could not be reconciled
	Usage           map[string]int64 // Recalculated usage per tenant
}

// Duration returns the total run duration.
func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// Summary returns a human-readable summary of the run.
func (s *Stats) Summary() string {
	return fmt.Sprintf("reconciled=%d failed=%d duration=%s",
		s.ReconciledCount, s.FailedCount, s.Duration())
}
