package devgrid

import (
	"context"

	"github.com/amirimatin/grid-sidecar/pkg/health"
	"github.com/amirimatin/grid-sidecar/pkg/identity"
	"github.com/amirimatin/grid-sidecar/pkg/internal/logutil"
	"github.com/amirimatin/grid-sidecar/pkg/management"
	"github.com/amirimatin/grid-sidecar/pkg/management/local"
	"github.com/amirimatin/grid-sidecar/pkg/membership"
)

// Extra cluster entity attributes published by devgrid.
const (
	AttrHealthScore       = "HealthScore"
	AttrSuspendedServices = "SuspendedServices"
)

func (n *Node) publishCluster() error {
	return n.reg.Register(management.ClusterName, local.Entity{
		Attributes: func() map[string]any {
			members := n.Members()
			ids := make([]int, 0, len(members))
			for _, m := range members {
				ids = append(ids, m.ID)
			}
			var suspended []string
			for _, name := range n.order {
				if n.opts.Control.IsSuspended(name) {
					suspended = append(suspended, name)
				}
			}
			attrs := map[string]any{
				management.AttrRunning:       n.IsRunning(),
				management.AttrMemberIDs:     ids,
				management.AttrLocalMemberID: n.opts.NodeNumber,
				AttrSuspendedServices:        suspended,
			}
			if hr, ok := n.opts.Membership.(membership.HealthReporter); ok {
				attrs[AttrHealthScore] = hr.HealthScore()
			}
			return attrs
		},
		Operations: map[string]local.OperationFunc{
			management.OpSuspendService: func(ctx context.Context, args ...any) (any, error) {
				return nil, n.SuspendService(ctx, firstString(args))
			},
			management.OpResumeService: func(ctx context.Context, args ...any) (any, error) {
				return nil, n.ResumeService(ctx, firstString(args))
			},
		},
	})
}

func (n *Node) publishService(s *service) error {
	err := n.reg.Register(management.ServiceName(s.cfg.Name, n.opts.NodeNumber), local.Entity{
		Attributes: func() map[string]any {
			owners := s.OwnershipEnabledMembers()
			ids := make([]int, 0, len(owners))
			for _, m := range owners {
				ids = append(ids, m.ID)
			}
			return map[string]any{
				management.AttrType:                   string(s.cfg.Type),
				management.AttrStorageEnabled:         s.LocalStorageEnabled(),
				management.AttrOwnershipEnabled:       s.OwnershipEnabled(),
				management.AttrPersistenceEnabled:     s.PersistenceEnabled(),
				management.AttrSuspended:              s.IsSuspended(),
				management.AttrMemberCount:            len(owners),
				management.AttrOwnedPartitionsPrimary: s.ownedPrimaries(owners),
				management.AttrPartitionsAll:          s.cfg.Partitions,
				management.AttrTransferInProgress:     n.rebalancing(),
				management.AttrOwnershipMemberIDs:     ids,
			}
		},
	})
	if err != nil || !s.cfg.Type.IsPartitioned() {
		return err
	}
	err = n.reg.Register(management.DistributionCoordinatorName(s.cfg.Name), local.Entity{
		Attributes: func() map[string]any {
			owners := s.OwnershipEnabledMembers()
			status := s.haStatus(owners)
			code, _ := health.StatusCode(status)
			remaining := 0
			if n.rebalancing() {
				remaining = s.cfg.Partitions
			}
			return map[string]any{
				management.AttrHAStatus:                   status,
				management.AttrHAStatusCode:               code,
				management.AttrBackupCount:                s.cfg.Backups,
				management.AttrServiceNodeCount:           len(owners),
				management.AttrRemainingDistributionCount: remaining,
			}
		},
	})
	if err != nil || !s.PersistenceEnabled() {
		return err
	}
	return n.reg.Register(management.PersistenceCoordinatorName(s.cfg.Name), local.Entity{
		Attributes: func() map[string]any {
			return map[string]any{
				management.AttrIdle:               !n.rebalancing(),
				management.AttrRecoveryInProgress: false,
				management.AttrRestoreInProgress:  false,
			}
		},
	})
}

// refreshIdentities republishes one identity entity per member that
// gossips a deployment identity.
func (n *Node) refreshIdentities() {
	n.reg.UnregisterMatching(management.PatternIdentities)
	for _, m := range n.Members() {
		if m.Identity == "" {
			continue
		}
		if _, err := identity.Register(n.reg, m.ID, m.Identity); err != nil {
			logutil.Warnf(n.log, "devgrid: register identity of member %d: %v", m.ID, err)
		}
	}
}

func firstString(args []any) string {
	if len(args) == 0 {
		return ""
	}
	s, _ := args[0].(string)
	return s
}
