package devgrid

import (
	"sync"

	"github.com/amirimatin/grid-sidecar/pkg/grid"
	"github.com/amirimatin/grid-sidecar/pkg/health"
)

// service is a simulated service on the local member.
type service struct {
	node *Node
	cfg  ServiceConfig

	mu      sync.RWMutex
	running bool
}

func (s *service) Name() string           { return s.cfg.Name }
func (s *service) Type() grid.ServiceType { return s.cfg.Type }

func (s *service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *service) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}

func (s *service) LocalStorageEnabled() bool {
	return s.cfg.Type.IsPartitioned() && !s.node.opts.StorageDisabled
}

func (s *service) OwnershipEnabled() bool   { return s.cfg.Type.IsPartitioned() }
func (s *service) PersistenceEnabled() bool { return s.cfg.Persistence && s.cfg.Type.IsPartitioned() }
func (s *service) IsSuspended() bool        { return s.node.opts.Control.IsSuspended(s.cfg.Name) }

func (s *service) OwnershipEnabledMembers() []grid.Member {
	if !s.OwnershipEnabled() {
		return nil
	}
	return s.node.storageMembers()
}

// ownedPrimaries splits partitions evenly over owners; lower member ids take
// the remainder.
func (s *service) ownedPrimaries(owners []grid.Member) int {
	if len(owners) == 0 {
		return 0
	}
	for i, m := range owners {
		if m.ID != s.node.opts.NodeNumber {
			continue
		}
		owned := s.cfg.Partitions / len(owners)
		if i < s.cfg.Partitions%len(owners) {
			owned++
		}
		return owned
	}
	return 0
}

// haStatus derives a redundancy status from the owner set: without backups
// or a second owner nothing survives a loss; backups spread over more than
// one deployment identity survive losing a machine.
func (s *service) haStatus(owners []grid.Member) string {
	if s.cfg.Backups == 0 || len(owners) < 2 {
		return health.StatusEndangered
	}
	idents := make(map[string]bool)
	for _, m := range owners {
		if m.Identity != "" {
			idents[m.Identity] = true
		}
	}
	if len(idents) > 1 {
		return health.StatusMachineSafe
	}
	return health.StatusNodeSafe
}
