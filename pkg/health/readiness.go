package health

import (
	"context"
	"log"
	"sync/atomic"

	"github.com/amirimatin/grid-sidecar/pkg/internal/logutil"
	"github.com/amirimatin/grid-sidecar/pkg/observability/metrics"
)

// Checker is the subset of the Aggregator used by Readiness.
type Checker interface {
	HasClusterMembers(ctx context.Context) (bool, error)
	IsStatusHA(ctx context.Context) (bool, error)
	IsPersistenceIdle(ctx context.Context) (bool, error)
}

// Readiness is the one-way readiness latch. Before the first successful
// check a node must be a cluster member, StatusHA and persistence idle.
// Afterwards only membership is required, so a node that already joined
// is not restarted for HA dips caused by other members rolling.
type Readiness struct {
	checks Checker
	ready  atomic.Bool
	logger *log.Logger
}

func NewReadiness(checks Checker, logger *log.Logger) *Readiness {
	if logger == nil {
		logger = log.Default()
	}
	return &Readiness{checks: checks, logger: logger}
}

// HasBeenReady reports whether the latch has flipped.
func (r *Readiness) HasBeenReady() bool { return r.ready.Load() }

// CheckReady evaluates readiness and flips the latch on the first pass.
func (r *Readiness) CheckReady(ctx context.Context) (bool, error) {
	hasCluster, err := r.checks.HasClusterMembers(ctx)
	if err != nil {
		return false, err
	}
	if r.ready.Load() {
		logutil.Debugf(r.logger, "ready check - cluster=%t", hasCluster)
		return hasCluster, nil
	}
	if !hasCluster {
		logutil.Debugf(r.logger, "ready check - cluster=false")
		return false, nil
	}
	isHA, err := r.checks.IsStatusHA(ctx)
	if err != nil {
		return false, err
	}
	isIdle, err := r.checks.IsPersistenceIdle(ctx)
	if err != nil {
		return false, err
	}
	logutil.Debugf(r.logger, "ready check - cluster=true HA=%t idle=%t", isHA, isIdle)
	if !isHA || !isIdle {
		return false, nil
	}
	if r.ready.CompareAndSwap(false, true) {
		metrics.HasBeenReady.Set(1)
		logutil.Infof(r.logger, "member is ready; later ready checks only require cluster membership")
	}
	return true, nil
}
