// Package suspend coordinates suspending and resuming partition
// redistribution. A bulk suspend only touches services whose data is owned
// exclusively by members of this deployment.
package suspend

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/amirimatin/grid-sidecar/pkg/grid"
	"github.com/amirimatin/grid-sidecar/pkg/identity"
	"github.com/amirimatin/grid-sidecar/pkg/internal/logutil"
	"github.com/amirimatin/grid-sidecar/pkg/observability/metrics"
	"github.com/amirimatin/grid-sidecar/pkg/observability/tracing"
)

var (
	// ErrServiceNotFound is returned for an explicit service name that does
	// not exist. No service is touched in that case.
	ErrServiceNotFound = errors.New("suspend: service not found")
	// ErrNoCluster is returned when the process has not joined a cluster.
	ErrNoCluster = errors.New("suspend: cluster is not running")
)

// IdentitySource builds the member to deployment identity map.
type IdentitySource interface {
	BuildIdentityMap(ctx context.Context) (identity.Map, error)
}

// Outcome lists what a call did.
type Outcome struct {
	Suspended []string `json:"suspended,omitempty"`
	Resumed   []string `json:"resumed,omitempty"`
	// Skipped lists services a bulk suspend left alone because members of
	// other deployments own them too.
	Skipped []string `json:"skipped,omitempty"`
}

// Coordinator is the Suspension Coordinator. It holds no state; concurrent
// calls are ordered by the grid, not here.
type Coordinator struct {
	cluster    grid.Supplier
	identities IdentitySource
	logger     *log.Logger
}

func NewCoordinator(cluster grid.Supplier, identities IdentitySource, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{cluster: cluster, identities: identities, logger: logger}
}

// Suspend suspends the named service unconditionally, or with an empty
// name every local storage-, ownership- and persistence-enabled
// partitioned service owned by exactly one deployment.
func (c *Coordinator) Suspend(ctx context.Context, name string) (Outcome, error) {
	ctx, end := tracing.StartSpan(ctx, "suspend.Suspend", "service", name)
	defer end()

	var out Outcome
	cl, err := c.current(ctx)
	if err != nil {
		return out, err
	}
	if name != "" {
		if err := c.exists(ctx, cl, name); err != nil {
			return out, err
		}
		logutil.Warnf(c.logger, "suspending service %s", name)
		if err := c.suspend(ctx, cl, name); err != nil {
			return out, err
		}
		out.Suspended = append(out.Suspended, name)
		return out, nil
	}

	logutil.Warnf(c.logger, "suspending all services")
	ids, err := c.identities.BuildIdentityMap(ctx)
	if err != nil {
		return out, err
	}
	names, err := grid.ServiceNames(ctx, cl)
	if err != nil {
		return out, fmt.Errorf("suspend: list services: %w", err)
	}
	for _, svcName := range names {
		svc, ok, err := grid.LookupService(ctx, cl, svcName)
		if err != nil {
			return out, fmt.Errorf("suspend: read service %s: %w", svcName, err)
		}
		if !ok || !suspendable(svc) {
			continue
		}
		if n := DistinctIdentities(svc.OwnershipEnabledMembers(), ids); n != 1 {
			logutil.Infof(c.logger, "not suspending service %s - owned by %d deployments", svcName, n)
			metrics.SuspendActions.WithLabelValues("skip", "ok").Inc()
			out.Skipped = append(out.Skipped, svcName)
			continue
		}
		logutil.Infof(c.logger, "suspending service %s", svcName)
		if err := c.suspend(ctx, cl, svcName); err != nil {
			return out, err
		}
		out.Suspended = append(out.Suspended, svcName)
	}
	return out, nil
}

// Resume resumes the named service, or every service when name is empty.
// Resuming is always safe so no ownership check is made.
func (c *Coordinator) Resume(ctx context.Context, name string) (Outcome, error) {
	ctx, end := tracing.StartSpan(ctx, "suspend.Resume", "service", name)
	defer end()

	var out Outcome
	cl, err := c.current(ctx)
	if err != nil {
		return out, err
	}
	names := []string{name}
	if name != "" {
		if err := c.exists(ctx, cl, name); err != nil {
			return out, err
		}
		logutil.Warnf(c.logger, "resuming service %s", name)
	} else {
		logutil.Warnf(c.logger, "resuming all services")
		if names, err = grid.ServiceNames(ctx, cl); err != nil {
			return out, fmt.Errorf("suspend: list services: %w", err)
		}
	}
	for _, n := range names {
		err := cl.ResumeService(ctx, n)
		metrics.SuspendActions.WithLabelValues("resume", result(err)).Inc()
		if err != nil {
			return out, fmt.Errorf("suspend: resume %s: %w", n, err)
		}
		out.Resumed = append(out.Resumed, n)
	}
	return out, nil
}

func (c *Coordinator) current(ctx context.Context) (grid.Cluster, error) {
	cl := c.cluster()
	running, err := grid.Running(ctx, cl)
	if err != nil {
		return nil, fmt.Errorf("suspend: cluster state: %w", err)
	}
	if !running {
		return nil, ErrNoCluster
	}
	return cl, nil
}

// exists returns ErrServiceNotFound only when the grid says the service
// does not exist. A failed read is returned as is.
func (c *Coordinator) exists(ctx context.Context, cl grid.Cluster, name string) error {
	_, ok, err := grid.LookupService(ctx, cl, name)
	if err != nil {
		return fmt.Errorf("suspend: read service %s: %w", name, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	return nil
}

func (c *Coordinator) suspend(ctx context.Context, cl grid.Cluster, name string) error {
	err := cl.SuspendService(ctx, name)
	metrics.SuspendActions.WithLabelValues("suspend", result(err)).Inc()
	if err != nil {
		return fmt.Errorf("suspend: suspend %s: %w", name, err)
	}
	return nil
}

func suspendable(svc grid.Service) bool {
	return svc.Type().IsPartitioned() &&
		svc.LocalStorageEnabled() &&
		svc.OwnershipEnabled() &&
		svc.PersistenceEnabled()
}

// DistinctIdentities counts the deployments among members. The identity
// map wins over the identity the runtime reports for a member; a member
// with neither counts as the empty identity.
func DistinctIdentities(members []grid.Member, ids identity.Map) int {
	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		ident, ok := ids[m.ID]
		if !ok {
			ident = m.Identity
		}
		seen[ident] = struct{}{}
	}
	return len(seen)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
