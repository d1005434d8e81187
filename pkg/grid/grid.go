// Package grid defines the contract the sidecar consumes from the data-grid
// runtime: cluster membership, partitioned service handles and lifecycle
// notifications. Implementations live outside the sidecar core (the real
// runtime, devgrid, or test doubles) and are injected at construction time.
package grid

import (
	"context"
	"time"
)

// ServiceType classifies a grid service. Only partitioned (distributed or
// federated) services own data and take part in redundancy checks.
type ServiceType string

const (
	TypeDistributedCache ServiceType = "DistributedCache"
	TypeFederatedCache   ServiceType = "FederatedCache"
	TypeReplicatedCache  ServiceType = "ReplicatedCache"
	TypeInvocation       ServiceType = "Invocation"
	TypeProxy            ServiceType = "Proxy"
)

// IsPartitioned reports whether services of this type shard data across
// storage members.
func (t ServiceType) IsPartitioned() bool {
	return t == TypeDistributedCache || t == TypeFederatedCache
}

// Member is a cluster member as seen by the runtime. Identity carries the
// deployment identity when the runtime knows it; it may be empty.
type Member struct {
	ID       int
	Name     string
	Identity string
}

// Service is a live handle to a service running on the local member.
type Service interface {
	Name() string
	Type() ServiceType
	IsRunning() bool
	// LocalStorageEnabled reports whether this member stores data for the service.
	LocalStorageEnabled() bool
	// OwnershipEnabled reports whether the service owns partitions at all.
	OwnershipEnabled() bool
	// PersistenceEnabled reports whether an active persistence manager is configured.
	PersistenceEnabled() bool
	IsSuspended() bool
	// OwnershipEnabledMembers lists members that own partitions of the service.
	OwnershipEnabledMembers() []Member
}

// Cluster is the Cluster Handle: a view of the current cluster state. Every
// method reads live state; callers must not cache results across checks.
type Cluster interface {
	IsRunning() bool
	LocalMember() Member
	Members() []Member
	ServiceNames() []string
	// Service returns the named service, ok=false when it does not exist.
	Service(name string) (Service, bool)
	SuspendService(ctx context.Context, name string) error
	ResumeService(ctx context.Context, name string) error
}

// Reader is implemented by a Cluster whose reads can fail, such as one
// reached through a remote management adapter. The Cluster methods of such
// an implementation cannot report a failure, so callers that must tell
// "absent" from "unreadable" go through the package functions below.
type Reader interface {
	RunningContext(ctx context.Context) (bool, error)
	LocalMemberContext(ctx context.Context) (Member, error)
	MembersContext(ctx context.Context) ([]Member, error)
	ServiceNamesContext(ctx context.Context) ([]string, error)
	// ServiceContext returns ok=false with a nil error only when the
	// service does not exist.
	ServiceContext(ctx context.Context, name string) (Service, bool, error)
}

// Running reports whether c is a running cluster. A nil c is not running.
func Running(ctx context.Context, c Cluster) (bool, error) {
	if c == nil {
		return false, nil
	}
	if r, ok := c.(Reader); ok {
		return r.RunningContext(ctx)
	}
	return c.IsRunning(), nil
}

func LocalMember(ctx context.Context, c Cluster) (Member, error) {
	if r, ok := c.(Reader); ok {
		return r.LocalMemberContext(ctx)
	}
	return c.LocalMember(), nil
}

func Members(ctx context.Context, c Cluster) ([]Member, error) {
	if r, ok := c.(Reader); ok {
		return r.MembersContext(ctx)
	}
	return c.Members(), nil
}

func ServiceNames(ctx context.Context, c Cluster) ([]string, error) {
	if r, ok := c.(Reader); ok {
		return r.ServiceNamesContext(ctx)
	}
	return c.ServiceNames(), nil
}

// LookupService returns the named service. ok is false with a nil error
// only when the service does not exist.
func LookupService(ctx context.Context, c Cluster, name string) (Service, bool, error) {
	if r, ok := c.(Reader); ok {
		return r.ServiceContext(ctx, name)
	}
	svc, ok := c.Service(name)
	return svc, ok, nil
}

// Supplier returns the current cluster or nil when this process has not
// joined one yet.
type Supplier func() Cluster

// Static returns a Supplier that always yields c.
func Static(c Cluster) Supplier { return func() Cluster { return c } }

// ServiceStartWaiter is optionally implemented by a Cluster that can block
// until all locally configured services have started.
type ServiceStartWaiter interface {
	WaitForServiceStart(ctx context.Context) error
}

type EventType string

const (
	// EventServiceStarting is emitted before a service starts.
	EventServiceStarting EventType = "service_starting"
	// EventServiceStarted is emitted once a service has started on this member.
	EventServiceStarted EventType = "service_started"
	// EventServiceStopped is emitted after a service stopped.
	EventServiceStopped EventType = "service_stopped"
)

// Event is a service lifecycle notification.
type Event struct {
	Type    EventType
	Service Service
	At      time.Time
}

// LifecycleSource delivers service lifecycle events. The returned channel is
// closed when ctx is done.
type LifecycleSource interface {
	Subscribe(ctx context.Context) <-chan Event
}
