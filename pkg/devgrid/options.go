package devgrid

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/amirimatin/grid-sidecar/pkg/discovery"
	"github.com/amirimatin/grid-sidecar/pkg/grid"
	"github.com/amirimatin/grid-sidecar/pkg/management"
	"github.com/amirimatin/grid-sidecar/pkg/membership"
)

// DefaultPartitions is the partition count of services that do not set one.
const DefaultPartitions = 257

// ServiceConfig describes one service the node runs.
type ServiceConfig struct {
	Name        string           `yaml:"name"`
	Type        grid.ServiceType `yaml:"type"`
	Partitions  int              `yaml:"partitions"`
	Backups     int              `yaml:"backups"`
	Persistence bool             `yaml:"persistence"`
}

// Controller holds the cluster-wide suspended set. *raftctl.Node implements
// it; nil Options.Control means an in-process set.
type Controller interface {
	Suspend(service string) error
	Resume(service string) error
	IsSuspended(service string) bool
}

// Reconfigurer is implemented by controllers whose voter set follows
// membership (raftctl.Node). The leader adds joining members that gossip a
// raft address and removes members that leave.
type Reconfigurer interface {
	IsLeader() bool
	AddVoter(id, addr string, timeout time.Duration) error
	RemoveServer(id string, timeout time.Duration) error
}

// Forwarder carries a control write to the node that can apply it.
type Forwarder func(ctx context.Context, op, service string) error

// Options configure a Node.
type Options struct {
	// Name is the member name; it is the membership node ID when gossip is
	// used.
	Name string
	// NodeNumber is the grid-wide member id, unique and > 0.
	NodeNumber int
	Identity   string
	// StorageDisabled makes this member own no partitions.
	StorageDisabled bool
	Services        []ServiceConfig

	// Membership is optional; without it the node is a one-member cluster.
	Membership membership.Membership
	// Seeds are joined after membership starts.
	Seeds discovery.Discovery
	// Control is optional, see Controller.
	Control Controller
	// Forward is used when Control rejects a write with a not-leader error.
	Forward Forwarder
	// NotLeader reports whether an error from Control means "retry on the
	// leader".
	NotLeader func(error) bool

	// StartDelay postpones service start, simulating a slow runtime.
	StartDelay time.Duration
	// Rebalance is how long distribution and persistence report activity
	// after a membership change.
	Rebalance time.Duration

	Logger *log.Logger
}

func (o *Options) Validate() error {
	var errs []error
	if o.NodeNumber <= 0 {
		errs = append(errs, fmt.Errorf("devgrid: node number must be > 0, got %d", o.NodeNumber))
	}
	if o.Name == "" {
		o.Name = fmt.Sprintf("member-%d", o.NodeNumber)
	}
	seen := make(map[string]bool, len(o.Services))
	for i := range o.Services {
		s := &o.Services[i]
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("devgrid: service %d has no name", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("devgrid: duplicate service %q", s.Name))
		}
		seen[s.Name] = true
		if s.Type == "" {
			s.Type = grid.TypeDistributedCache
		}
		if s.Type.IsPartitioned() && s.Partitions <= 0 {
			s.Partitions = DefaultPartitions
		}
		if s.Backups < 0 {
			errs = append(errs, fmt.Errorf("devgrid: service %q has negative backups", s.Name))
		}
		if _, err := management.ParseName(management.ServiceName(s.Name, o.NodeNumber)); err != nil {
			errs = append(errs, fmt.Errorf("devgrid: service %q: %w", s.Name, err))
		}
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	return errors.Join(errs...)
}
