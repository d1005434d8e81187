// Package raftctl replicates the cluster-wide service control state of the
// reference grid through hashicorp/raft.
package raftctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/amirimatin/grid-sidecar/pkg/internal/logutil"
	"github.com/amirimatin/grid-sidecar/pkg/observability/metrics"
)

// ErrNotLeader is returned by writes on a follower.
var ErrNotLeader = errors.New("raftctl: not leader")

// LeaderInfo describes the current known leader.
type LeaderInfo struct {
	ID   string
	Addr string
	Term uint64
}

// Node is one member of the control state raft group.
type Node struct {
	opts Options
	log  *log.Logger
	st   *State

	mu    sync.RWMutex
	r     *raft.Raft
	addr  raft.ServerAddress
	trans raft.Transport
	bolt  *raftboltdb.BoltStore
	lch   chan LeaderInfo
}

func New(opts Options) (*Node, error) {
	if opts.NodeID == "" {
		return nil, fmt.Errorf("raftctl: empty NodeID")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.ApplyTimeout <= 0 {
		opts.ApplyTimeout = 5 * time.Second
	}
	return &Node{opts: opts, log: opts.Logger, st: NewState(), lch: make(chan LeaderInfo, 16)}, nil
}

func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.r != nil {
		return nil
	}

	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(n.opts.NodeID)
	cfg.LogOutput = n.log.Writer()
	if n.opts.HeartbeatTimeout > 0 {
		cfg.HeartbeatTimeout = n.opts.HeartbeatTimeout
		// lease must not exceed the heartbeat timeout
		if cfg.LeaderLeaseTimeout > cfg.HeartbeatTimeout {
			cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout / 2
		}
	}
	if n.opts.ElectionTimeout > 0 {
		cfg.ElectionTimeout = n.opts.ElectionTimeout
	}
	if n.opts.CommitTimeout > 0 {
		cfg.CommitTimeout = n.opts.CommitTimeout
	}

	var (
		logs   raft.LogStore
		stable raft.StableStore
		snaps  raft.SnapshotStore
	)
	if n.opts.DataDir != "" {
		if n.opts.SnapshotsRetained == 0 {
			n.opts.SnapshotsRetained = 2
		}
		if err := os.MkdirAll(n.opts.DataDir, 0o755); err != nil {
			return err
		}
		bstore, err := raftboltdb.NewBoltStore(filepath.Join(n.opts.DataDir, "raft.db"))
		if err != nil {
			return err
		}
		n.bolt = bstore
		logs, stable = bstore, bstore
		snaps, err = raft.NewFileSnapshotStore(n.opts.DataDir, n.opts.SnapshotsRetained, n.log.Writer())
		if err != nil {
			return err
		}
	} else {
		logs = raft.NewInmemStore()
		stable = raft.NewInmemStore()
		snaps = raft.NewInmemSnapshotStore()
	}

	if n.opts.BindAddr != "" {
		nt, err := raft.NewTCPTransport(n.opts.BindAddr, nil, 3, time.Second, n.log.Writer())
		if err != nil {
			return err
		}
		n.trans, n.addr = nt, nt.LocalAddr()
	} else {
		n.addr, n.trans = raft.NewInmemTransport(raft.ServerAddress(n.opts.NodeID))
	}

	r, err := raft.NewRaft(cfg, &controlFSM{st: n.st}, logs, stable, snaps, n.trans)
	if err != nil {
		return err
	}
	n.r = r

	obsCh := make(chan raft.Observation, 32)
	r.RegisterObserver(raft.NewObserver(obsCh, false, func(o *raft.Observation) bool {
		_, ok := o.Data.(raft.LeaderObservation)
		return ok
	}))
	go n.observe(obsCh)

	if n.opts.Bootstrap {
		boot := raft.Configuration{Servers: []raft.Server{{ID: cfg.LocalID, Address: n.addr}}}
		if err := r.BootstrapCluster(boot).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		_ = n.Stop()
	}()
	return nil
}

func (n *Node) observe(ch <-chan raft.Observation) {
	for range ch {
		metrics.LeaderChanges.Inc()
		if n.IsLeader() {
			metrics.IsLeader.Set(1)
		} else {
			metrics.IsLeader.Set(0)
		}
		if id, addr, ok := n.Leader(); ok {
			logutil.Infof(n.log, "raftctl: leader is %s (%s)", id, addr)
			select {
			case n.lch <- LeaderInfo{ID: id, Addr: addr, Term: n.Term()}:
			default:
			}
		}
	}
}

func (n *Node) handle() *raft.Raft {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.r
}

// Apply replicates cmd. Only the leader accepts writes.
func (n *Node) Apply(cmd Command, timeout time.Duration) error {
	r := n.handle()
	if r == nil {
		return fmt.Errorf("raftctl: not started")
	}
	if r.State() != raft.Leader {
		return ErrNotLeader
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = n.opts.ApplyTimeout
	}
	af := r.Apply(data, timeout)
	if err := af.Error(); err != nil {
		return err
	}
	if e, ok := af.Response().(error); ok && e != nil {
		return e
	}
	return nil
}

// Suspend marks service suspended cluster-wide.
func (n *Node) Suspend(service string) error {
	return n.Apply(serviceCommand(OpSuspend, service), 0)
}

// Resume clears the suspended mark of service.
func (n *Node) Resume(service string) error {
	return n.Apply(serviceCommand(OpResume, service), 0)
}

// IsSuspended reads the local replica.
func (n *Node) IsSuspended(service string) bool { return n.st.IsSuspended(service) }

// Suspended lists the suspended services of the local replica.
func (n *Node) Suspended() []string { return n.st.Suspended() }

func (n *Node) IsLeader() bool {
	r := n.handle()
	return r != nil && r.State() == raft.Leader
}

func (n *Node) Leader() (id string, addr string, ok bool) {
	r := n.handle()
	if r == nil {
		return "", "", false
	}
	a, sid := r.LeaderWithID()
	if sid == "" {
		return "", "", false
	}
	return string(sid), string(a), true
}

func (n *Node) Term() uint64 {
	r := n.handle()
	if r == nil {
		return 0
	}
	u, _ := strconv.ParseUint(r.Stats()["current_term"], 10, 64)
	return u
}

// Addr returns the raft transport address.
func (n *Node) Addr() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return string(n.addr)
}

// LeaderCh delivers leadership updates; updates are dropped when full.
func (n *Node) LeaderCh() <-chan LeaderInfo { return n.lch }

func (n *Node) Stop() error {
	n.mu.Lock()
	r, bolt := n.r, n.bolt
	n.r, n.bolt = nil, nil
	n.mu.Unlock()
	if r == nil {
		return nil
	}
	err := r.Shutdown().Error()
	if c, ok := n.trans.(raft.WithClose); ok {
		_ = c.Close()
	}
	if bolt != nil {
		_ = bolt.Close()
	}
	metrics.IsLeader.Set(0)
	return err
}

// AddVoter adds a voting server, replacing a stale entry with the same id.
func (n *Node) AddVoter(id, addr string, timeout time.Duration) error {
	r := n.handle()
	if r == nil {
		return fmt.Errorf("raftctl: not started")
	}
	cfg := r.GetConfiguration()
	if err := cfg.Error(); err == nil {
		for _, srv := range cfg.Configuration().Servers {
			if string(srv.ID) != id {
				continue
			}
			if string(srv.Address) == addr {
				return nil
			}
			if err := r.RemoveServer(srv.ID, 0, timeout).Error(); err != nil {
				return err
			}
			break
		}
	}
	return r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, timeout).Error()
}

// RemoveServer removes a server from the raft group if present.
func (n *Node) RemoveServer(id string, timeout time.Duration) error {
	r := n.handle()
	if r == nil {
		return fmt.Errorf("raftctl: not started")
	}
	return r.RemoveServer(raft.ServerID(id), 0, timeout).Error()
}
