package devgrid

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/amirimatin/grid-sidecar/pkg/management"
	"github.com/amirimatin/grid-sidecar/pkg/membership"
)

// localControl is the in-process suspended set of a node without raft.
type localControl struct {
	mu        sync.RWMutex
	suspended map[string]bool
}

func newLocalControl() *localControl { return &localControl{suspended: make(map[string]bool)} }

func (c *localControl) Suspend(service string) error {
	c.mu.Lock()
	c.suspended[service] = true
	c.mu.Unlock()
	return nil
}

func (c *localControl) Resume(service string) error {
	c.mu.Lock()
	delete(c.suspended, service)
	c.mu.Unlock()
	return nil
}

func (c *localControl) IsSuspended(service string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.suspended[service]
}

// LeaderForwarder returns a Forwarder that invokes the operation on the
// cluster entity of the current leader. The leader is found by matching its
// raft id against the gossip member names; dial opens a management adapter
// to the address the leader gossips under membership.MetaMgmtAddr.
func LeaderForwarder(ms membership.Membership, leader func() (id, addr string, ok bool), dial func(addr string) management.Query, timeout time.Duration) Forwarder {
	return func(ctx context.Context, op, service string) error {
		id, raftAddr, ok := leader()
		if !ok {
			return fmt.Errorf("devgrid: no leader to forward %s to", op)
		}
		var mgmt string
		for _, mi := range ms.Members() {
			if mi.ID == id || mi.Meta[membership.MetaRaftAddr] == raftAddr {
				mgmt = mi.Meta[membership.MetaMgmtAddr]
				break
			}
		}
		if mgmt == "" {
			return fmt.Errorf("devgrid: leader %s gossips no management address", id)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		_, err := dial(mgmt).Invoke(ctx, management.ClusterName, op, service)
		return err
	}
}
