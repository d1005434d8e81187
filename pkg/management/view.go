package management

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/amirimatin/grid-sidecar/pkg/grid"
	"github.com/amirimatin/grid-sidecar/pkg/internal/logutil"
)

// ClusterView implements grid.Cluster on top of a management adapter, so a
// sidecar that reaches the grid remotely still has a Cluster Handle. Every
// call reads live state; nothing is cached.
type ClusterView struct {
	q       Query
	logger  *log.Logger
	timeout time.Duration
}

// NewClusterView wraps q. Timeout bounds the reads made by the methods of
// grid.Cluster that carry no context; zero means 5s.
func NewClusterView(q Query, timeout time.Duration, logger *log.Logger) *ClusterView {
	if logger == nil {
		logger = log.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ClusterView{q: q, logger: logger, timeout: timeout}
}

func (v *ClusterView) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, v.timeout)
}

func (v *ClusterView) RunningContext(ctx context.Context) (bool, error) {
	ctx, cancel := v.bound(ctx)
	defer cancel()
	attrs, err := v.q.Attributes(ctx, ClusterName, AttrRunning)
	if err != nil {
		return false, err
	}
	running, _ := Bool(attrs, AttrRunning)
	return running, nil
}

func (v *ClusterView) LocalMemberContext(ctx context.Context) (grid.Member, error) {
	ctx, cancel := v.bound(ctx)
	defer cancel()
	attrs, err := v.q.Attributes(ctx, ClusterName, AttrLocalMemberID)
	if err != nil {
		return grid.Member{}, err
	}
	id, ok := Int(attrs, AttrLocalMemberID)
	if !ok {
		return grid.Member{}, fmt.Errorf("management: %s reports no %s", ClusterName, AttrLocalMemberID)
	}
	return grid.Member{ID: id}, nil
}

func (v *ClusterView) MembersContext(ctx context.Context) ([]grid.Member, error) {
	ctx, cancel := v.bound(ctx)
	defer cancel()
	attrs, err := v.q.Attributes(ctx, ClusterName, AttrMemberIDs)
	if err != nil {
		return nil, err
	}
	ids := Ints(attrs, AttrMemberIDs)
	out := make([]grid.Member, 0, len(ids))
	for _, id := range ids {
		out = append(out, grid.Member{ID: id})
	}
	return out, nil
}

func (v *ClusterView) ServiceNamesContext(ctx context.Context) ([]string, error) {
	local, err := v.LocalMemberContext(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := v.bound(ctx)
	defer cancel()
	names, err := v.q.QueryNames(ctx, ServicePattern(local.ID))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(names))
	for _, s := range names {
		n, err := ParseName(s)
		if err != nil {
			continue
		}
		if svc, ok := n.Property("name"); ok {
			out = append(out, svc)
		}
	}
	return out, nil
}

// ServiceContext treats ErrEntityNotFound as the only "no such service"
// answer; every other failure is returned.
func (v *ClusterView) ServiceContext(ctx context.Context, name string) (grid.Service, bool, error) {
	local, err := v.LocalMemberContext(ctx)
	if err != nil {
		return nil, false, err
	}
	ctx, cancel := v.bound(ctx)
	defer cancel()
	attrs, err := v.q.Attributes(ctx, ServiceName(name, local.ID), ServiceAttributes...)
	if errors.Is(err, ErrEntityNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(attrs) == 0 {
		return nil, false, nil
	}
	return newViewService(name, attrs), true, nil
}

func (v *ClusterView) IsRunning() bool {
	running, err := v.RunningContext(context.Background())
	if err != nil {
		v.logf(err, "cluster running check failed: %v", err)
	}
	return running
}

func (v *ClusterView) LocalMember() grid.Member {
	m, err := v.LocalMemberContext(context.Background())
	if err != nil {
		v.logf(err, "local member lookup failed: %v", err)
	}
	return m
}

func (v *ClusterView) Members() []grid.Member {
	members, err := v.MembersContext(context.Background())
	if err != nil {
		v.logf(err, "member lookup failed: %v", err)
	}
	return members
}

func (v *ClusterView) ServiceNames() []string {
	names, err := v.ServiceNamesContext(context.Background())
	if err != nil {
		v.logf(err, "service lookup failed: %v", err)
	}
	return names
}

func (v *ClusterView) Service(name string) (grid.Service, bool) {
	svc, ok, err := v.ServiceContext(context.Background(), name)
	if err != nil {
		v.logf(err, "service %s lookup failed: %v", name, err)
	}
	return svc, ok
}

func (v *ClusterView) SuspendService(ctx context.Context, name string) error {
	_, err := v.q.Invoke(ctx, ClusterName, OpSuspendService, name)
	return err
}

func (v *ClusterView) ResumeService(ctx context.Context, name string) error {
	_, err := v.q.Invoke(ctx, ClusterName, OpResumeService, name)
	return err
}

func (v *ClusterView) logf(err error, f string, args ...any) {
	if IsNoManagedMember(err) {
		logutil.Debugf(v.logger, f, args...)
		return
	}
	logutil.Warnf(v.logger, f, args...)
}

// viewService is a point-in-time copy of a service entity.
type viewService struct {
	name        string
	typ         grid.ServiceType
	storage     bool
	ownership   bool
	persistence bool
	suspended   bool
	members     []grid.Member
}

func newViewService(name string, attrs map[string]any) *viewService {
	s := &viewService{name: name, typ: grid.ServiceType(String(attrs, AttrType))}
	s.storage, _ = Bool(attrs, AttrStorageEnabled)
	if own, ok := Bool(attrs, AttrOwnershipEnabled); ok {
		s.ownership = own
	} else {
		s.ownership = true
	}
	s.persistence, _ = Bool(attrs, AttrPersistenceEnabled)
	s.suspended, _ = Bool(attrs, AttrSuspended)
	for _, id := range Ints(attrs, AttrOwnershipMemberIDs) {
		s.members = append(s.members, grid.Member{ID: id})
	}
	return s
}

func (s *viewService) Name() string                           { return s.name }
func (s *viewService) Type() grid.ServiceType                 { return s.typ }
func (s *viewService) IsRunning() bool                        { return true }
func (s *viewService) LocalStorageEnabled() bool              { return s.storage }
func (s *viewService) OwnershipEnabled() bool                 { return s.ownership }
func (s *viewService) PersistenceEnabled() bool               { return s.persistence }
func (s *viewService) IsSuspended() bool                      { return s.suspended }
func (s *viewService) OwnershipEnabledMembers() []grid.Member { return s.members }

var (
	_ grid.Cluster = (*ClusterView)(nil)
	_ grid.Reader  = (*ClusterView)(nil)
)
