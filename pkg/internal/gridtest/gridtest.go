// Package gridtest provides an injectable fake grid: a grid.Cluster whose
// services and coordinators can be set up field by field and published
// into a local management registry.
package gridtest

import (
	"context"
	"sync"

	"github.com/amirimatin/grid-sidecar/pkg/grid"
	"github.com/amirimatin/grid-sidecar/pkg/management"
	"github.com/amirimatin/grid-sidecar/pkg/management/local"
)

// Service is a fake partitioned service. Exported fields are read on every
// attribute access; set them before the code under test runs.
type Service struct {
	ServiceName string
	ServiceType grid.ServiceType
	Storage     bool
	Ownership   bool
	Persistence bool
	Owners      []grid.Member

	// Distribution coordinator. NoCoordinator hides the entity.
	NoCoordinator bool
	Status        string
	Backups       int
	Remaining     int

	Owned      int
	Partitions int

	// Persistence coordinator, registered when Persistence is set.
	Idle     bool
	Recovery bool
	Restore  bool
	Transfer bool

	mu        sync.Mutex
	suspended bool
	stopped   bool
}

// NewStorageService returns a running, storage- and persistence-enabled
// distributed service owned by owners, HA status NODE-SAFE, one backup,
// persistence idle and the local member owning every partition when it is
// the only owner.
func NewStorageService(name string, owners ...grid.Member) *Service {
	s := &Service{
		ServiceName: name,
		ServiceType: grid.TypeDistributedCache,
		Storage:     true,
		Ownership:   true,
		Persistence: true,
		Owners:      owners,
		Status:      "NODE-SAFE",
		Backups:     1,
		Partitions:  257,
		Idle:        true,
	}
	if len(owners) <= 1 {
		s.Owned = s.Partitions
	} else {
		s.Owned = s.Partitions / len(owners)
	}
	return s
}

func (s *Service) Name() string                           { return s.ServiceName }
func (s *Service) Type() grid.ServiceType                 { return s.ServiceType }
func (s *Service) LocalStorageEnabled() bool              { return s.Storage }
func (s *Service) OwnershipEnabled() bool                 { return s.Ownership }
func (s *Service) PersistenceEnabled() bool               { return s.Persistence }
func (s *Service) OwnershipEnabledMembers() []grid.Member { return s.Owners }

func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped
}

func (s *Service) IsSuspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// SetSuspended sets the suspended flag without recording an operation.
func (s *Service) SetSuspended(v bool) {
	s.mu.Lock()
	s.suspended = v
	s.mu.Unlock()
}

// Stop marks the service as not running.
func (s *Service) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// Cluster is a fake grid.Cluster.
type Cluster struct {
	mu       sync.Mutex
	running  bool
	local    grid.Member
	members  []grid.Member
	services map[string]*Service
	order    []string

	// OpErr, when set, is returned by SuspendService and ResumeService.
	OpErr    error
	suspends []string
	resumes  []string
}

// NewCluster returns a running cluster whose local member is local. The
// local member is always part of the member set.
func NewCluster(local grid.Member, others ...grid.Member) *Cluster {
	return &Cluster{
		running:  true,
		local:    local,
		members:  append([]grid.Member{local}, others...),
		services: make(map[string]*Service),
	}
}

// AddService adds services in order.
func (c *Cluster) AddService(svcs ...*Service) *Cluster {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range svcs {
		if _, ok := c.services[s.ServiceName]; !ok {
			c.order = append(c.order, s.ServiceName)
		}
		c.services[s.ServiceName] = s
	}
	return c
}

func (c *Cluster) SetRunning(v bool) {
	c.mu.Lock()
	c.running = v
	c.mu.Unlock()
}

// SetMembers replaces every member but the local one.
func (c *Cluster) SetMembers(others ...grid.Member) {
	c.mu.Lock()
	c.members = append([]grid.Member{c.local}, others...)
	c.mu.Unlock()
}

func (c *Cluster) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Cluster) LocalMember() grid.Member { return c.local }

func (c *Cluster) Members() []grid.Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	return append([]grid.Member(nil), c.members...)
}

func (c *Cluster) ServiceNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

func (c *Cluster) Service(name string) (grid.Service, bool) {
	s, ok := c.service(name)
	if !ok {
		return nil, false
	}
	return s, true
}

func (c *Cluster) service(name string) (*Service, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.services[name]
	return s, ok
}

func (c *Cluster) SuspendService(_ context.Context, name string) error {
	c.mu.Lock()
	err := c.OpErr
	if err == nil {
		c.suspends = append(c.suspends, name)
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if s, ok := c.service(name); ok {
		s.SetSuspended(true)
	}
	return nil
}

func (c *Cluster) ResumeService(_ context.Context, name string) error {
	c.mu.Lock()
	err := c.OpErr
	if err == nil {
		c.resumes = append(c.resumes, name)
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if s, ok := c.service(name); ok {
		s.SetSuspended(false)
	}
	return nil
}

// Suspended returns the names passed to SuspendService, in call order.
func (c *Cluster) Suspended() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.suspends...)
}

// Resumed returns the names passed to ResumeService, in call order.
func (c *Cluster) Resumed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.resumes...)
}

// Publish registers the cluster, its local services, their coordinators
// and an identity entity for every member with a non-empty identity into
// reg, and marks reg managed.
func (c *Cluster) Publish(reg *local.Registry) error {
	err := reg.Register(management.ClusterName, local.Entity{
		Attributes: func() map[string]any {
			ids := make([]int, 0)
			for _, m := range c.Members() {
				ids = append(ids, m.ID)
			}
			return map[string]any{
				management.AttrRunning:       c.IsRunning(),
				management.AttrMemberIDs:     ids,
				management.AttrLocalMemberID: c.local.ID,
			}
		},
		Operations: map[string]local.OperationFunc{
			management.OpSuspendService: func(ctx context.Context, args ...any) (any, error) {
				return nil, c.SuspendService(ctx, firstString(args))
			},
			management.OpResumeService: func(ctx context.Context, args ...any) (any, error) {
				return nil, c.ResumeService(ctx, firstString(args))
			},
		},
	})
	if err != nil {
		return err
	}
	for _, name := range c.ServiceNames() {
		s, _ := c.service(name)
		if err := publishService(reg, s, c.local.ID); err != nil {
			return err
		}
	}
	c.mu.Lock()
	members := append([]grid.Member(nil), c.members...)
	c.mu.Unlock()
	for _, m := range members {
		if m.Identity == "" {
			continue
		}
		m := m
		if err := reg.Register(management.IdentityName(m.ID), local.Entity{
			Attributes: func() map[string]any {
				return map[string]any{management.AttrNodeID: m.ID, management.AttrIdentity: m.Identity}
			},
		}); err != nil {
			return err
		}
	}
	reg.SetManaged(true)
	return nil
}

func publishService(reg *local.Registry, s *Service, nodeID int) error {
	err := reg.Register(management.ServiceName(s.ServiceName, nodeID), local.Entity{
		Attributes: func() map[string]any {
			ids := make([]int, 0, len(s.Owners))
			for _, m := range s.Owners {
				ids = append(ids, m.ID)
			}
			return map[string]any{
				management.AttrType:                   string(s.ServiceType),
				management.AttrStorageEnabled:         s.Storage,
				management.AttrOwnershipEnabled:       s.Ownership,
				management.AttrPersistenceEnabled:     s.Persistence,
				management.AttrSuspended:              s.IsSuspended(),
				management.AttrMemberCount:            len(s.Owners),
				management.AttrOwnedPartitionsPrimary: s.Owned,
				management.AttrPartitionsAll:          s.Partitions,
				management.AttrTransferInProgress:     s.Transfer,
				management.AttrOwnershipMemberIDs:     ids,
			}
		},
	})
	if err != nil {
		return err
	}
	if !s.ServiceType.IsPartitioned() {
		return nil
	}
	if !s.NoCoordinator {
		err = reg.Register(management.DistributionCoordinatorName(s.ServiceName), local.Entity{
			Attributes: func() map[string]any {
				attrs := map[string]any{
					management.AttrHAStatus:                   s.Status,
					management.AttrBackupCount:                s.Backups,
					management.AttrServiceNodeCount:           len(s.Owners),
					management.AttrRemainingDistributionCount: s.Remaining,
				}
				if code, ok := statusCodes[s.Status]; ok {
					attrs[management.AttrHAStatusCode] = code
				}
				return attrs
			},
		})
		if err != nil {
			return err
		}
	}
	if s.Persistence {
		err = reg.Register(management.PersistenceCoordinatorName(s.ServiceName), local.Entity{
			Attributes: func() map[string]any {
				return map[string]any{
					management.AttrIdle:               s.Idle,
					management.AttrRecoveryInProgress: s.Recovery,
					management.AttrRestoreInProgress:  s.Restore,
				}
			},
		})
	}
	return err
}

var statusCodes = map[string]int{
	"ENDANGERED":   0,
	"NODE-SAFE":    1,
	"MACHINE-SAFE": 2,
	"RACK-SAFE":    3,
	"SITE-SAFE":    4,
}

func firstString(args []any) string {
	if len(args) == 0 {
		return ""
	}
	s, _ := args[0].(string)
	return s
}

var _ grid.Cluster = (*Cluster)(nil)
