package lifecycle

import (
	"context"
	"log"
	"time"

	"github.com/amirimatin/grid-sidecar/pkg/grid"
	"github.com/amirimatin/grid-sidecar/pkg/internal/logutil"
)

// Poller is a LifecycleSource for Cluster Handles that deliver no events,
// such as a management.ClusterView over a remote adapter. It lists running
// services on every tick and emits EventServiceStarted the first time a
// service is seen, and EventServiceStopped when it disappears.
type Poller struct {
	cluster  grid.Supplier
	interval time.Duration
	logger   *log.Logger
}

// NewPoller returns a poller; interval <= 0 means 5s.
func NewPoller(cluster grid.Supplier, interval time.Duration, logger *log.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Poller{cluster: cluster, interval: interval, logger: logger}
}

func (p *Poller) Subscribe(ctx context.Context) <-chan grid.Event {
	ch := make(chan grid.Event, 16)
	go p.loop(ctx, ch)
	return ch
}

func (p *Poller) loop(ctx context.Context, ch chan<- grid.Event) {
	defer close(ch)
	seen := make(map[string]grid.Service)
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		p.poll(ctx, seen, ch)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (p *Poller) poll(ctx context.Context, seen map[string]grid.Service, ch chan<- grid.Event) {
	c := p.cluster()
	running, err := grid.Running(ctx, c)
	if err != nil {
		logutil.Warnf(p.logger, "lifecycle poll skipped: %v", err)
		return
	}
	if !running {
		return
	}
	names, err := grid.ServiceNames(ctx, c)
	if err != nil {
		logutil.Warnf(p.logger, "lifecycle poll skipped: %v", err)
		return
	}
	// a failed read leaves the round incomplete; nothing is reported stopped
	found := make(map[string]grid.Service, len(names))
	for _, name := range names {
		svc, ok, err := grid.LookupService(ctx, c, name)
		if err != nil {
			logutil.Warnf(p.logger, "lifecycle poll skipped: %v", err)
			return
		}
		if ok && svc.IsRunning() {
			found[name] = svc
		}
	}
	current := make(map[string]bool, len(found))
	for _, name := range names {
		svc, ok := found[name]
		if !ok {
			continue
		}
		current[name] = true
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = svc
		logutil.Debugf(p.logger, "service %s is running", name)
		if !send(ctx, ch, grid.Event{Type: grid.EventServiceStarted, Service: svc, At: time.Now()}) {
			return
		}
	}
	for name, svc := range seen {
		if current[name] {
			continue
		}
		delete(seen, name)
		if !send(ctx, ch, grid.Event{Type: grid.EventServiceStopped, Service: svc, At: time.Now()}) {
			return
		}
	}
}

func send(ctx context.Context, ch chan<- grid.Event, ev grid.Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

var _ grid.LifecycleSource = (*Poller)(nil)
