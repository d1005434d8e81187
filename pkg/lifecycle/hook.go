// Package lifecycle resumes storage services that start up suspended, for
// example after a rollout suspended them and crashed before resuming.
package lifecycle

import (
	"context"
	"log"
	"sync"

	"github.com/amirimatin/grid-sidecar/pkg/grid"
	"github.com/amirimatin/grid-sidecar/pkg/internal/logutil"
	"github.com/amirimatin/grid-sidecar/pkg/observability/metrics"
)

// Options configure a Hook.
type Options struct {
	Cluster grid.Supplier
	// CanResume enables automatic resume. It is also the default for
	// services absent from ResumeServices.
	CanResume bool
	// ResumeServices overrides CanResume per service name. A non-empty map
	// enables the hook even when CanResume is false.
	ResumeServices map[string]bool
	Logger         *log.Logger
}

// Hook is the Startup Auto-Resume Hook.
type Hook struct {
	cluster  grid.Supplier
	def      bool
	perSvc   map[string]bool
	enabled  bool
	logger   *log.Logger
	wg       sync.WaitGroup
	mu       sync.Mutex
	inFlight map[string]bool
}

func NewHook(opts Options) *Hook {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Hook{
		cluster:  opts.Cluster,
		def:      opts.CanResume,
		perSvc:   opts.ResumeServices,
		enabled:  opts.CanResume || len(opts.ResumeServices) > 0,
		logger:   opts.Logger,
		inFlight: make(map[string]bool),
	}
}

// Enabled reports whether the hook resumes anything at all.
func (h *Hook) Enabled() bool { return h.enabled }

// ShouldResume reports whether a suspended service called name is resumed.
func (h *Hook) ShouldResume(name string) bool {
	if !h.enabled {
		return false
	}
	if v, ok := h.perSvc[name]; ok {
		return v
	}
	return h.def
}

// Run checks services that are already running, then every service that
// starts, until ctx is done or src closes its channel. Resumes run in the
// background; use Wait to wait for them.
func (h *Hook) Run(ctx context.Context, src grid.LifecycleSource) error {
	if !h.enabled {
		logutil.Infof(h.logger, "automatic resume of suspended services is disabled")
		return nil
	}
	events := src.Subscribe(ctx)
	if c := h.cluster(); c != nil {
		h.checkRunning(ctx, c)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Type == grid.EventServiceStarted && ev.Service != nil {
				h.Check(ctx, ev.Service)
			}
		}
	}
}

// checkRunning checks services that started before Run. A failed read is
// logged; the services are checked again when their start event arrives.
func (h *Hook) checkRunning(ctx context.Context, c grid.Cluster) {
	names, err := grid.ServiceNames(ctx, c)
	if err != nil {
		logutil.Warnf(h.logger, "cannot list running services: %v", err)
		return
	}
	for _, name := range names {
		svc, ok, err := grid.LookupService(ctx, c, name)
		if err != nil {
			logutil.Warnf(h.logger, "cannot read service %s: %v", name, err)
			continue
		}
		if ok && svc.IsRunning() {
			h.Check(ctx, svc)
		}
	}
}

// Check schedules an asynchronous resume when svc is a suspended storage
// service that may be resumed. It reports whether a resume was scheduled.
func (h *Hook) Check(ctx context.Context, svc grid.Service) bool {
	if !h.enabled || !svc.Type().IsPartitioned() || !svc.LocalStorageEnabled() || !svc.OwnershipEnabled() {
		return false
	}
	if !svc.IsSuspended() {
		return false
	}
	name := svc.Name()
	if !h.ShouldResume(name) {
		logutil.Infof(h.logger, "not resuming service %s as it is in the exclusion list", name)
		return false
	}
	h.mu.Lock()
	if h.inFlight[name] {
		h.mu.Unlock()
		return false
	}
	h.inFlight[name] = true
	h.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() {
			h.mu.Lock()
			delete(h.inFlight, name)
			h.mu.Unlock()
		}()
		logutil.Infof(h.logger, "automatically resuming suspended service %s", name)
		c := h.cluster()
		if c == nil {
			metrics.AutoResumes.WithLabelValues("error").Inc()
			logutil.Errorf(h.logger, "failed to resume service %s: cluster is not available", name)
			return
		}
		if err := c.ResumeService(ctx, name); err != nil {
			metrics.AutoResumes.WithLabelValues("error").Inc()
			logutil.Errorf(h.logger, "failed to resume service %s: %v", name, err)
			return
		}
		metrics.AutoResumes.WithLabelValues("ok").Inc()
	}()
	return true
}

// Wait blocks until every scheduled resume has finished.
func (h *Hook) Wait() { h.wg.Wait() }
