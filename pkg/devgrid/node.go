// Package devgrid is a small reference grid runtime. It simulates
// partitioned services on top of gossip membership and a raft-replicated
// suspended set, and publishes the management entities a sidecar reads.
// Partition placement and HA status are deliberately naive.
package devgrid

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/amirimatin/grid-sidecar/pkg/grid"
	"github.com/amirimatin/grid-sidecar/pkg/internal/logutil"
	"github.com/amirimatin/grid-sidecar/pkg/management"
	"github.com/amirimatin/grid-sidecar/pkg/management/local"
	"github.com/amirimatin/grid-sidecar/pkg/membership"
	"github.com/amirimatin/grid-sidecar/pkg/observability/metrics"
)

var (
	// ErrUnknownService is returned by control operations on a service the
	// node does not run.
	ErrUnknownService = errors.New("devgrid: unknown service")
	ErrNotStarted     = errors.New("devgrid: not started")
)

// Node is one member of the reference grid. It implements grid.Cluster,
// grid.LifecycleSource and grid.ServiceStartWaiter.
type Node struct {
	opts Options
	log  *log.Logger
	reg  *local.Registry

	mu       sync.RWMutex
	running  bool
	stopped  bool
	services map[string]*service
	order    []string
	settle   time.Time
	started  chan struct{}

	eb eventBus
}

// New validates opts and returns an unstarted node.
func New(opts Options) (*Node, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Control == nil {
		opts.Control = newLocalControl()
	}
	n := &Node{
		opts:     opts,
		log:      opts.Logger,
		reg:      local.New(),
		services: make(map[string]*service, len(opts.Services)),
		started:  make(chan struct{}),
		eb:       eventBus{log: opts.Logger},
	}
	for _, cfg := range opts.Services {
		n.services[cfg.Name] = &service{node: n, cfg: cfg}
		n.order = append(n.order, cfg.Name)
	}
	return n, nil
}

// Registry returns the node's management registry.
func (n *Node) Registry() *local.Registry { return n.reg }

// Start joins membership, publishes the cluster entity and starts services
// in the background. The node stops when ctx is done.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.running || n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.running = true
	n.mu.Unlock()

	if ms := n.opts.Membership; ms != nil {
		if err := ms.Start(ctx); err != nil {
			return err
		}
		if n.opts.Seeds != nil {
			if seeds := n.opts.Seeds.Seeds(); len(seeds) > 0 {
				logutil.Infof(n.log, "devgrid: joining membership seeds: %v", seeds)
				if err := ms.Join(seeds); err != nil {
					logutil.Warnf(n.log, "devgrid: join failed, continuing as a new cluster: %v", err)
				}
			}
		}
		go n.membershipEventsLoop(ctx)
		go n.reconcileVotersLoop(ctx)
	}

	if err := n.publishCluster(); err != nil {
		return err
	}
	n.refreshIdentities()
	n.reg.SetManaged(true)
	logutil.Infof(n.log, "devgrid: member %d (%s) running with %d services", n.opts.NodeNumber, n.opts.Name, len(n.order))

	go n.startServices(ctx)
	go func() {
		<-ctx.Done()
		n.Stop()
	}()
	return nil
}

func (n *Node) startServices(ctx context.Context) {
	defer close(n.started)
	if d := n.opts.StartDelay; d > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
	}
	for _, name := range n.order {
		s := n.services[name]
		n.eb.publish(grid.Event{Type: grid.EventServiceStarting, Service: s, At: time.Now()})
		if err := n.publishService(s); err != nil {
			logutil.Errorf(n.log, "devgrid: service %s failed to start: %v", name, err)
			continue
		}
		s.setRunning(true)
		logutil.Infof(n.log, "devgrid: service %s started (suspended=%t)", name, s.IsSuspended())
		n.eb.publish(grid.Event{Type: grid.EventServiceStarted, Service: s, At: time.Now()})
	}
}

// Stop stops every service and marks the registry unmanaged. Membership is
// left; a stopped node cannot be restarted.
func (n *Node) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running, n.stopped = false, true
	n.mu.Unlock()

	for _, name := range n.order {
		s := n.services[name]
		if s.IsRunning() {
			s.setRunning(false)
			n.eb.publish(grid.Event{Type: grid.EventServiceStopped, Service: s, At: time.Now()})
		}
	}
	n.reg.SetManaged(false)
	if ms := n.opts.Membership; ms != nil {
		_ = ms.Leave()
		_ = ms.Stop()
	}
	logutil.Infof(n.log, "devgrid: member %d stopped", n.opts.NodeNumber)
}

func (n *Node) IsRunning() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.running
}

func (n *Node) LocalMember() grid.Member {
	return grid.Member{ID: n.opts.NodeNumber, Name: n.opts.Name, Identity: n.opts.Identity}
}

// Members lists the members seen by gossip, sorted by id. Gossip members
// without a node number are skipped.
func (n *Node) Members() []grid.Member {
	if !n.IsRunning() {
		return nil
	}
	ms := n.opts.Membership
	if ms == nil {
		return []grid.Member{n.LocalMember()}
	}
	infos := ms.Members()
	out := make([]grid.Member, 0, len(infos))
	for _, mi := range infos {
		if mi.NodeNumber() <= 0 {
			continue
		}
		out = append(out, grid.Member{ID: mi.NodeNumber(), Name: mi.ID, Identity: mi.Identity()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// storageMembers are the members owning partitions.
func (n *Node) storageMembers() []grid.Member {
	ms := n.opts.Membership
	if ms == nil {
		if n.opts.StorageDisabled {
			return nil
		}
		return []grid.Member{n.LocalMember()}
	}
	var out []grid.Member
	for _, mi := range ms.Members() {
		if mi.NodeNumber() > 0 && mi.StorageEnabled() {
			out = append(out, grid.Member{ID: mi.NodeNumber(), Name: mi.ID, Identity: mi.Identity()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ServiceNames lists the services that have started.
func (n *Node) ServiceNames() []string {
	var out []string
	for _, name := range n.order {
		if n.services[name].IsRunning() {
			out = append(out, name)
		}
	}
	return out
}

func (n *Node) Service(name string) (grid.Service, bool) {
	s, ok := n.services[name]
	if !ok || !s.IsRunning() {
		return nil, false
	}
	return s, true
}

func (n *Node) SuspendService(ctx context.Context, name string) error {
	return n.control(ctx, opSuspend, name)
}

func (n *Node) ResumeService(ctx context.Context, name string) error {
	return n.control(ctx, opResume, name)
}

const (
	opSuspend = management.OpSuspendService
	opResume  = management.OpResumeService
)

func (n *Node) control(ctx context.Context, op, name string) error {
	if !n.IsRunning() {
		return ErrNotStarted
	}
	if _, ok := n.services[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	var err error
	if op == opSuspend {
		err = n.opts.Control.Suspend(name)
	} else {
		err = n.opts.Control.Resume(name)
	}
	if err != nil && n.opts.Forward != nil && n.opts.NotLeader != nil && n.opts.NotLeader(err) {
		logutil.Debugf(n.log, "devgrid: forwarding %s %s to the leader", op, name)
		err = n.opts.Forward(ctx, op, name)
	}
	if err != nil {
		return fmt.Errorf("devgrid: %s %s: %w", op, name, err)
	}
	logutil.Infof(n.log, "devgrid: %s %s", op, name)
	return nil
}

// WaitForServiceStart blocks until every configured service has started.
func (n *Node) WaitForServiceStart(ctx context.Context) error {
	select {
	case <-n.started:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns a channel of service lifecycle events. It is closed when
// ctx is done. Events are dropped when the consumer falls behind.
func (n *Node) Subscribe(ctx context.Context) <-chan grid.Event {
	ch := make(chan grid.Event, 64)
	n.eb.add(ch)
	go func() {
		<-ctx.Done()
		n.eb.remove(ch)
		close(ch)
	}()
	return ch
}

// rebalancing reports whether a membership change is still settling.
func (n *Node) rebalancing() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return time.Now().Before(n.settle)
}

func (n *Node) markRebalance() {
	if n.opts.Rebalance <= 0 {
		return
	}
	n.mu.Lock()
	n.settle = time.Now().Add(n.opts.Rebalance)
	n.mu.Unlock()
}

func (n *Node) membershipEventsLoop(ctx context.Context) {
	evch := n.opts.Membership.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-evch:
			if !ok {
				return
			}
			n.refreshIdentities()
			switch e.Type {
			case membership.EventJoin:
				logutil.Infof(n.log, "devgrid: member %s joined (node %d)", e.Member.ID, e.Member.NodeNumber())
				n.markRebalance()
				n.addVoter(e.Member)
			case membership.EventLeave:
				logutil.Infof(n.log, "devgrid: member %s left (node %d)", e.Member.ID, e.Member.NodeNumber())
				n.markRebalance()
				n.removeVoter(e.Member)
			}
		}
	}
}

// reconcileVotersLoop lets a freshly elected leader pick up members that
// joined before it led.
func (n *Node) reconcileVotersLoop(ctx context.Context) {
	if _, ok := n.opts.Control.(Reconfigurer); !ok {
		return
	}
	t := time.NewTicker(2 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, mi := range n.opts.Membership.Members() {
				n.addVoter(mi)
			}
		}
	}
}

func (n *Node) addVoter(mi membership.MemberInfo) {
	rc, ok := n.opts.Control.(Reconfigurer)
	addr := mi.Meta[membership.MetaRaftAddr]
	if !ok || addr == "" || !rc.IsLeader() {
		return
	}
	if err := rc.AddVoter(mi.ID, addr, 3*time.Second); err != nil {
		logutil.Warnf(n.log, "devgrid: add voter %s: %v", mi.ID, err)
	}
}

func (n *Node) removeVoter(mi membership.MemberInfo) {
	rc, ok := n.opts.Control.(Reconfigurer)
	if !ok || mi.Meta[membership.MetaRaftAddr] == "" || !rc.IsLeader() {
		return
	}
	if err := rc.RemoveServer(mi.ID, 3*time.Second); err != nil {
		logutil.Warnf(n.log, "devgrid: remove voter %s: %v", mi.ID, err)
	}
}

type eventBus struct {
	mu   sync.Mutex
	subs map[chan grid.Event]struct{}
	log  *log.Logger
}

func (e *eventBus) add(ch chan grid.Event) {
	e.mu.Lock()
	if e.subs == nil {
		e.subs = make(map[chan grid.Event]struct{})
	}
	e.subs[ch] = struct{}{}
	e.mu.Unlock()
}

func (e *eventBus) remove(ch chan grid.Event) {
	e.mu.Lock()
	delete(e.subs, ch)
	e.mu.Unlock()
}

func (e *eventBus) publish(ev grid.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
			metrics.DroppedEvents.WithLabelValues(string(ev.Type)).Inc()
			name := ""
			if ev.Service != nil {
				name = ev.Service.Name()
			}
			logutil.Warnf(e.log, "devgrid: subscriber is full, dropped %s event for service %s", ev.Type, name)
		}
	}
}

var (
	_ grid.Cluster            = (*Node)(nil)
	_ grid.LifecycleSource    = (*Node)(nil)
	_ grid.ServiceStartWaiter = (*Node)(nil)
)

// Control returns the node's suspended-set controller.
func (n *Node) Control() Controller { return n.opts.Control }
