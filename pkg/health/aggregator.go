// Package health turns the grid's live management state into the binary
// verdicts an orchestrator polls: cluster membership, StatusHA, persistence
// idleness and readiness.
package health

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/amirimatin/grid-sidecar/pkg/grid"
	"github.com/amirimatin/grid-sidecar/pkg/internal/logutil"
	"github.com/amirimatin/grid-sidecar/pkg/management"
	"github.com/amirimatin/grid-sidecar/pkg/observability/metrics"
	"github.com/amirimatin/grid-sidecar/pkg/observability/tracing"
)

// ServiceDescriptor is the state of one local storage-enabled partitioned
// service as read for a single check. It is never cached.
type ServiceDescriptor struct {
	Name                   string           `json:"name"`
	Type                   grid.ServiceType `json:"type"`
	StorageEnabled         bool             `json:"storageEnabled"`
	OwnershipEnabled       bool             `json:"ownershipEnabled"`
	OwnershipMemberCount   int              `json:"ownershipMemberCount"`
	BackupCount            int              `json:"backupCount"`
	Status                 RedundancyStatus `json:"status"`
	OwnedPartitions        int              `json:"ownedPartitions"`
	PartitionCount         int              `json:"partitionCount"`
	OwnedPartitionFraction float64          `json:"ownedPartitionFraction"`
	HasCoordinator         bool             `json:"hasCoordinator"`
	DistributionInProgress bool             `json:"distributionInProgress"`
	RecoveryInProgress     bool             `json:"recoveryInProgress"`
	RestoreInProgress      bool             `json:"restoreInProgress"`
	TransferInProgress     bool             `json:"transferInProgress"`
	PersistenceEnabled     bool             `json:"persistenceEnabled"`
	PersistenceActive      bool             `json:"persistenceActive"`
	Suspended              bool             `json:"suspended"`

	// HA is the StatusHA verdict for this service; Reasons lists every
	// failed condition.
	HA      bool     `json:"ha"`
	Reasons []string `json:"reasons,omitempty"`
}

// Aggregator is the Service State Aggregator.
type Aggregator struct {
	cluster grid.Supplier
	q       management.Query
	allow   AllowList
	wait    bool
	logger  *log.Logger
}

// NewAggregator validates opts and returns an Aggregator.
func NewAggregator(opts Options) (*Aggregator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Aggregator{
		cluster: opts.Cluster,
		q:       opts.Query,
		allow:   NewAllowList(opts.AllowEndangered...),
		wait:    opts.WaitForServices,
		logger:  opts.Logger,
	}, nil
}

// AllowList returns the configured allow-list.
func (a *Aggregator) AllowList() AllowList { return a.allow }

// HasClusterMembers reports whether this process is part of a running
// cluster with at least one member. A failed read is returned, not
// reported as absence.
func (a *Aggregator) HasClusterMembers(ctx context.Context) (bool, error) {
	c := a.cluster()
	running, err := grid.Running(ctx, c)
	if err != nil {
		a.logQueryError("cluster membership check", err)
		return false, err
	}
	if !running {
		metrics.ClusterMembers.Set(0)
		return false, nil
	}
	members, err := grid.Members(ctx, c)
	if err != nil {
		a.logQueryError("cluster membership check", err)
		return false, err
	}
	metrics.ClusterMembers.Set(float64(len(members)))
	return len(members) > 0, nil
}

// IsStatusHA evaluates StatusHA with the configured allow-list.
func (a *Aggregator) IsStatusHA(ctx context.Context) (bool, error) {
	return a.IsStatusHAWith(ctx, a.allow)
}

// IsStatusHAWith reports whether every local storage-enabled,
// ownership-enabled partitioned service is safe to lose this member. Query
// failures are returned; the verdict is false in that case.
func (a *Aggregator) IsStatusHAWith(ctx context.Context, allow AllowList) (bool, error) {
	ctx, end := tracing.StartSpan(ctx, "health.IsStatusHA")
	defer end()

	descs, ok, err := a.evaluate(ctx, allow)
	if err != nil {
		a.logQueryError("StatusHA check", err)
		return false, err
	}
	if !ok {
		return false, nil
	}
	if len(descs) == 0 {
		logutil.Debugf(a.logger, "no storage enabled cache services found, inferring HA is OK for this member")
	}
	for _, d := range descs {
		if !d.HA {
			return false, nil
		}
	}
	return true, nil
}

// Services returns the descriptors of every local storage-enabled
// partitioned service, each judged with the configured allow-list.
func (a *Aggregator) Services(ctx context.Context) ([]ServiceDescriptor, error) {
	ctx, end := tracing.StartSpan(ctx, "health.Services")
	defer end()
	descs, _, err := a.evaluate(ctx, a.allow)
	return descs, err
}

// IsPersistenceIdle reports whether no persistence coordinator reports
// outstanding snapshot or archival work.
func (a *Aggregator) IsPersistenceIdle(ctx context.Context) (bool, error) {
	ctx, end := tracing.StartSpan(ctx, "health.IsPersistenceIdle")
	defer end()

	running, err := grid.Running(ctx, a.cluster())
	if err != nil {
		a.logQueryError("persistence idle check", err)
		return false, err
	}
	if !running {
		return true, nil
	}
	names, err := a.q.QueryNames(ctx, management.PatternPersistenceCoordinators)
	if err != nil {
		a.logQueryError("persistence idle check", err)
		return false, err
	}
	idle := true
	for _, name := range names {
		attrs, err := a.q.Attributes(ctx, name, management.AttrIdle)
		if err != nil {
			a.logQueryError("persistence idle check", err)
			return false, err
		}
		if v, ok := management.Bool(attrs, management.AttrIdle); ok && !v {
			logutil.Debugf(a.logger, "persistence not idle for %s", name)
			idle = false
		}
	}
	return idle, nil
}

// LowestRedundancyStatus returns the name of the most severe status reported
// by any distribution coordinator, or "n/a" when none reports one.
func (a *Aggregator) LowestRedundancyStatus(ctx context.Context) (string, error) {
	ctx, end := tracing.StartSpan(ctx, "health.LowestRedundancyStatus")
	defer end()

	running, err := grid.Running(ctx, a.cluster())
	if err != nil {
		a.logQueryError("status check", err)
		return "", err
	}
	if !running {
		return StatusNotAvailable, nil
	}
	names, err := a.q.QueryNames(ctx, management.PatternDistributionCoordinators)
	if err != nil {
		a.logQueryError("status check", err)
		return "", err
	}
	var lowest *RedundancyStatus
	for _, name := range names {
		attrs, err := a.q.Attributes(ctx, name, management.StatusHAAttributes...)
		if err != nil {
			a.logQueryError("status check", err)
			return "", err
		}
		st, ok := statusOf(attrs)
		if !ok {
			continue
		}
		if lowest == nil || st.Code < lowest.Code {
			lowest = &st
		}
	}
	if lowest == nil {
		return StatusNotAvailable, nil
	}
	return lowest.Name, nil
}

// evaluate reads and judges every local storage-enabled partitioned
// service. ok is false when the cluster is unavailable or the wait for
// service start failed.
func (a *Aggregator) evaluate(ctx context.Context, allow AllowList) ([]ServiceDescriptor, bool, error) {
	c := a.cluster()
	if a.wait && c != nil {
		if w, ok := c.(grid.ServiceStartWaiter); ok {
			if err := w.WaitForServiceStart(ctx); err != nil {
				logutil.Warnf(a.logger, "StatusHA check failed - waiting for service start: %v", err)
				return nil, false, nil
			}
		}
	}
	running, err := grid.Running(ctx, c)
	if err != nil {
		return nil, false, err
	}
	if !running {
		logutil.Warnf(a.logger, "StatusHA check failed - cluster is not running")
		return nil, false, nil
	}
	local, err := grid.LocalMember(ctx, c)
	if err != nil {
		return nil, false, err
	}

	descs, err := a.storageServices(ctx, local.ID)
	if err != nil || len(descs) == 0 {
		return descs, err == nil, err
	}

	coordNames, err := a.q.QueryNames(ctx, management.PatternDistributionCoordinators)
	if err != nil {
		return nil, false, err
	}
	coords := make(map[string]string, len(coordNames))
	for _, cn := range coordNames {
		n, err := management.ParseName(cn)
		if err != nil {
			continue
		}
		if svc, ok := n.Property("service"); ok {
			coords[svc] = cn
		}
	}

	for i := range descs {
		d := &descs[i]
		if cn, ok := coords[d.Name]; ok {
			d.HasCoordinator = true
			attrs, err := a.q.Attributes(ctx, cn, management.StatusHAAttributes...)
			if err != nil {
				return nil, false, err
			}
			applyCoordinator(d, attrs)
		}
		attrs, err := a.q.Attributes(ctx, management.PersistenceCoordinatorName(d.Name), management.PersistenceAttributes...)
		switch {
		case errors.Is(err, management.ErrEntityNotFound):
		case err != nil:
			return nil, false, err
		default:
			applyPersistence(d, attrs)
		}
		judge(d, allow)
		a.logVerdict(d)
	}
	return descs, true, nil
}

func (a *Aggregator) storageServices(ctx context.Context, nodeID int) ([]ServiceDescriptor, error) {
	names, err := a.q.QueryNames(ctx, management.ServicePattern(nodeID))
	if err != nil {
		return nil, err
	}
	var out []ServiceDescriptor
	for _, name := range names {
		n, err := management.ParseName(name)
		if err != nil {
			continue
		}
		svc, _ := n.Property("name")
		attrs, err := a.q.Attributes(ctx, name, management.ServiceAttributes...)
		if err != nil {
			return nil, err
		}
		d := ServiceDescriptor{Name: svc, Type: grid.ServiceType(management.String(attrs, management.AttrType))}
		d.StorageEnabled, _ = management.Bool(attrs, management.AttrStorageEnabled)
		if !d.Type.IsPartitioned() || !d.StorageEnabled {
			continue
		}
		ownership, ok := management.Bool(attrs, management.AttrOwnershipEnabled)
		d.OwnershipEnabled = ownership || !ok
		d.PersistenceEnabled, _ = management.Bool(attrs, management.AttrPersistenceEnabled)
		d.Suspended, _ = management.Bool(attrs, management.AttrSuspended)
		d.TransferInProgress, _ = management.Bool(attrs, management.AttrTransferInProgress)
		if mc, ok := management.Int(attrs, management.AttrMemberCount); ok {
			d.OwnershipMemberCount = mc
		} else {
			d.OwnershipMemberCount = len(management.Ints(attrs, management.AttrOwnershipMemberIDs))
		}
		d.OwnedPartitions, _ = management.Int(attrs, management.AttrOwnedPartitionsPrimary)
		d.PartitionCount, _ = management.Int(attrs, management.AttrPartitionsAll)
		if d.PartitionCount > 0 {
			d.OwnedPartitionFraction = float64(d.OwnedPartitions) / float64(d.PartitionCount)
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func applyCoordinator(d *ServiceDescriptor, attrs map[string]any) {
	d.Status, _ = statusOf(attrs)
	d.BackupCount, _ = management.Int(attrs, management.AttrBackupCount)
	if d.OwnershipMemberCount == 0 {
		d.OwnershipMemberCount, _ = management.Int(attrs, management.AttrServiceNodeCount)
	}
	if remaining, ok := management.Int(attrs, management.AttrRemainingDistributionCount); ok && remaining > 0 {
		d.DistributionInProgress = true
	}
}

func applyPersistence(d *ServiceDescriptor, attrs map[string]any) {
	d.RecoveryInProgress, _ = management.Bool(attrs, management.AttrRecoveryInProgress)
	d.RestoreInProgress, _ = management.Bool(attrs, management.AttrRestoreInProgress)
	if idle, ok := management.Bool(attrs, management.AttrIdle); ok {
		d.PersistenceActive = !idle
	}
}

// judge applies the StatusHA rules to d.
func judge(d *ServiceDescriptor, allow AllowList) {
	d.Reasons = nil
	if d.OwnershipEnabled {
		if !d.HasCoordinator {
			d.Reasons = append(d.Reasons, "no distribution coordinator")
		}
		// a sole owner is safe only when it provably owns every partition
		if d.OwnershipMemberCount == 1 && (d.PartitionCount <= 0 || d.OwnedPartitions != d.PartitionCount) {
			d.Reasons = append(d.Reasons, fmt.Sprintf("single member owns %d of %d partitions", d.OwnedPartitions, d.PartitionCount))
		}
		if d.OwnershipMemberCount > 1 && d.BackupCount > 0 && d.Status.IsEndangered() && !allow.Contains(d.Name) {
			d.Reasons = append(d.Reasons, "status is "+StatusEndangered)
		}
		if d.DistributionInProgress {
			d.Reasons = append(d.Reasons, "distribution in progress")
		}
		if d.RecoveryInProgress {
			d.Reasons = append(d.Reasons, "recovery in progress")
		}
		if d.RestoreInProgress {
			d.Reasons = append(d.Reasons, "restore in progress")
		}
		if d.TransferInProgress {
			d.Reasons = append(d.Reasons, "transfer in progress")
		}
	}
	d.HA = len(d.Reasons) == 0
}

func statusOf(attrs map[string]any) (RedundancyStatus, bool) {
	name := management.String(attrs, management.AttrHAStatus)
	code, ok := management.Int(attrs, management.AttrHAStatusCode)
	if !ok {
		code, ok = StatusCode(name)
	}
	if !ok || name == "" {
		return RedundancyStatus{Name: name}, false
	}
	return RedundancyStatus{Name: name, Code: code}, true
}

func (a *Aggregator) logVerdict(d *ServiceDescriptor) {
	v := 0.0
	if d.HA {
		v = 1
	}
	metrics.ServiceVerdicts.WithLabelValues(d.Name).Set(v)
	if d.HA {
		logutil.Debugf(a.logger, "StatusHA check passed for service %s - status=%s members=%d backups=%d",
			d.Name, d.Status, d.OwnershipMemberCount, d.BackupCount)
		return
	}
	logutil.Infof(a.logger, "StatusHA check failed for service %s - %v", d.Name, d.Reasons)
}

// logQueryError logs the expected no-managed-member condition at WARN and
// anything else at ERROR.
func (a *Aggregator) logQueryError(action string, err error) {
	if management.IsNoManagedMember(err) {
		logutil.Warnf(a.logger, "%s: %v", action, err)
		return
	}
	logutil.Errorf(a.logger, "%s failed: %v", action, err)
}
