package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/grid-sidecar/pkg/grid"
	"github.com/amirimatin/grid-sidecar/pkg/internal/gridtest"
	"github.com/amirimatin/grid-sidecar/pkg/management"
	"github.com/amirimatin/grid-sidecar/pkg/management/local"
)

var (
	m1 = grid.Member{ID: 1, Name: "m1", Identity: "A"}
	m2 = grid.Member{ID: 2, Name: "m2", Identity: "A"}
)

func newAggregator(t *testing.T, c *gridtest.Cluster, allow ...string) *Aggregator {
	t.Helper()
	reg := local.New()
	require.NoError(t, c.Publish(reg))
	a, err := NewAggregator(Options{Cluster: grid.Static(c), Query: reg, AllowEndangered: allow})
	require.NoError(t, err)
	return a
}

func TestOptionsValidate(t *testing.T) {
	_, err := NewAggregator(Options{Query: local.New()})
	assert.Error(t, err)
	_, err = NewAggregator(Options{Cluster: grid.Static(nil)})
	assert.Error(t, err)
}

func TestIsStatusHA_SingleMemberOwnsAll(t *testing.T) {
	svc := gridtest.NewStorageService("Orders", m1)
	a := newAggregator(t, gridtest.NewCluster(m1).AddService(svc))

	ok, err := a.IsStatusHA(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIsStatusHA_SingleMemberPartialOwnership(t *testing.T) {
	svc := gridtest.NewStorageService("Orders", m1)
	svc.Owned = 100
	a := newAggregator(t, gridtest.NewCluster(m1).AddService(svc))

	ok, err := a.IsStatusHA(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	descs, err := a.Services(context.Background())
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.InDelta(t, 100.0/257.0, descs[0].OwnedPartitionFraction, 1e-9)
	assert.NotEmpty(t, descs[0].Reasons)
}

func TestIsStatusHA_SingleMemberWithoutPartitionCounts(t *testing.T) {
	c := gridtest.NewCluster(m1).AddService(gridtest.NewStorageService("Orders", m1))
	reg := local.New()
	require.NoError(t, c.Publish(reg))
	// the service entity reports neither PartitionsAll nor OwnedPartitionsPrimary
	require.NoError(t, reg.Register(management.ServiceName("Orders", m1.ID), local.Entity{
		Attributes: func() map[string]any {
			return map[string]any{
				management.AttrType:             string(grid.TypeDistributedCache),
				management.AttrStorageEnabled:   true,
				management.AttrOwnershipEnabled: true,
				management.AttrMemberCount:      1,
			}
		},
	}))
	a, err := NewAggregator(Options{Cluster: grid.Static(c), Query: reg})
	require.NoError(t, err)

	ok, err := a.IsStatusHA(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	descs, err := a.Services(context.Background())
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Zero(t, descs[0].OwnedPartitionFraction)
	assert.NotEmpty(t, descs[0].Reasons)
}

func TestIsStatusHA_SingleMemberZeroPartitions(t *testing.T) {
	svc := gridtest.NewStorageService("Orders", m1)
	svc.Owned, svc.Partitions = 0, 0
	a := newAggregator(t, gridtest.NewCluster(m1).AddService(svc))

	ok, err := a.IsStatusHA(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHasClusterMembers(t *testing.T) {
	a := newAggregator(t, gridtest.NewCluster(m1, m2))
	has, err := a.HasClusterMembers(context.Background())
	require.NoError(t, err)
	assert.True(t, has)
}

func TestReadFailuresAreErrors(t *testing.T) {
	refused := errors.New("dial tcp 10.0.0.1:30000: connection refused")
	view := management.NewClusterView(failingQuery{err: refused}, 0, nil)
	a, err := NewAggregator(Options{Cluster: grid.Static(view), Query: failingQuery{err: refused}})
	require.NoError(t, err)
	ctx := context.Background()

	has, err := a.HasClusterMembers(ctx)
	assert.ErrorIs(t, err, refused)
	assert.False(t, has)

	ok, err := a.IsStatusHA(ctx)
	assert.ErrorIs(t, err, refused)
	assert.False(t, ok)

	_, err = a.IsPersistenceIdle(ctx)
	assert.ErrorIs(t, err, refused)
	_, err = a.LowestRedundancyStatus(ctx)
	assert.ErrorIs(t, err, refused)
}

type failingQuery struct{ err error }

func (f failingQuery) QueryNames(context.Context, string) ([]string, error) { return nil, f.err }
func (f failingQuery) Attributes(context.Context, string, ...string) (map[string]any, error) {
	return nil, f.err
}
func (f failingQuery) Invoke(context.Context, string, string, ...any) (any, error) {
	return nil, f.err
}

func TestIsStatusHA_Endangered(t *testing.T) {
	cases := []struct {
		name    string
		backups int
		allow   []string
		want    bool
	}{
		{"not allow-listed", 1, nil, false},
		{"allow-listed", 1, []string{"Orders"}, true},
		{"allow-list with surrounding blanks", 1, []string{" Orders ", ""}, true},
		{"prefix is not a match", 1, []string{"Order"}, false},
		{"no backups", 0, nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := gridtest.NewStorageService("Orders", m1, m2)
			svc.Status = StatusEndangered
			svc.Backups = tc.backups
			a := newAggregator(t, gridtest.NewCluster(m1, m2).AddService(svc), tc.allow...)

			ok, err := a.IsStatusHA(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
		})
	}
}

func TestIsStatusHA_AllowListExactMatch(t *testing.T) {
	cache := gridtest.NewStorageService("Cache", m1, m2)
	cacheTwo := gridtest.NewStorageService("CacheTwo", m1, m2)
	cacheTwo.Status = StatusEndangered
	a := newAggregator(t, gridtest.NewCluster(m1, m2).AddService(cache, cacheTwo), "Cache")

	ok, err := a.IsStatusHA(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.IsStatusHAWith(context.Background(), NewAllowList("CacheTwo"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIsStatusHA_InProgress(t *testing.T) {
	cases := map[string]func(*gridtest.Service){
		"distribution": func(s *gridtest.Service) { s.Remaining = 12 },
		"recovery":     func(s *gridtest.Service) { s.Recovery = true },
		"restore":      func(s *gridtest.Service) { s.Restore = true },
		"transfer":     func(s *gridtest.Service) { s.Transfer = true },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			svc := gridtest.NewStorageService("Orders", m1, m2)
			mutate(svc)
			a := newAggregator(t, gridtest.NewCluster(m1, m2).AddService(svc))

			ok, err := a.IsStatusHA(context.Background())
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestIsStatusHA_MissingCoordinator(t *testing.T) {
	svc := gridtest.NewStorageService("Orders", m1, m2)
	svc.NoCoordinator = true
	a := newAggregator(t, gridtest.NewCluster(m1, m2).AddService(svc))

	ok, err := a.IsStatusHA(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsStatusHA_NoStorageServices(t *testing.T) {
	proxy := &gridtest.Service{ServiceName: "Proxy", ServiceType: grid.TypeProxy}
	storageDisabled := gridtest.NewStorageService("Orders", m2)
	storageDisabled.Storage = false
	storageDisabled.Status = StatusEndangered
	a := newAggregator(t, gridtest.NewCluster(m1, m2).AddService(proxy, storageDisabled))

	ok, err := a.IsStatusHA(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIsStatusHA_OwnershipDisabledIsNotChecked(t *testing.T) {
	svc := gridtest.NewStorageService("Orders", m1, m2)
	svc.Ownership = false
	svc.Status = StatusEndangered
	svc.Remaining = 3
	a := newAggregator(t, gridtest.NewCluster(m1, m2).AddService(svc))

	ok, err := a.IsStatusHA(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIsStatusHA_ClusterNotRunning(t *testing.T) {
	c := gridtest.NewCluster(m1).AddService(gridtest.NewStorageService("Orders", m1))
	a := newAggregator(t, c)
	c.SetRunning(false)

	ok, err := a.IsStatusHA(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	has, err := a.HasClusterMembers(context.Background())
	require.NoError(t, err)
	assert.False(t, has)

	a, err = NewAggregator(Options{Cluster: func() grid.Cluster { return nil }, Query: local.New()})
	require.NoError(t, err)
	ok, err = a.IsStatusHA(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsStatusHA_NoManagedMember(t *testing.T) {
	c := gridtest.NewCluster(m1).AddService(gridtest.NewStorageService("Orders", m1))
	a, err := NewAggregator(Options{Cluster: grid.Static(c), Query: local.New()})
	require.NoError(t, err)

	ok, err := a.IsStatusHA(context.Background())
	assert.False(t, ok)
	assert.True(t, management.IsNoManagedMember(err))

	_, err = a.IsPersistenceIdle(context.Background())
	assert.True(t, management.IsNoManagedMember(err))
	_, err = a.LowestRedundancyStatus(context.Background())
	assert.True(t, management.IsNoManagedMember(err))
}

type waitingCluster struct {
	*gridtest.Cluster
	err error
}

func (w waitingCluster) WaitForServiceStart(context.Context) error { return w.err }

func TestIsStatusHA_WaitForServices(t *testing.T) {
	c := gridtest.NewCluster(m1).AddService(gridtest.NewStorageService("Orders", m1))
	reg := local.New()
	require.NoError(t, c.Publish(reg))

	for _, tc := range []struct {
		err  error
		want bool
	}{{nil, true}, {errors.New("timed out"), false}} {
		a, err := NewAggregator(Options{
			Cluster:         grid.Static(waitingCluster{Cluster: c, err: tc.err}),
			Query:           reg,
			WaitForServices: true,
		})
		require.NoError(t, err)
		ok, err := a.IsStatusHA(context.Background())
		require.NoError(t, err)
		assert.Equal(t, tc.want, ok)
	}
}

func TestIsPersistenceIdle(t *testing.T) {
	busy := gridtest.NewStorageService("Orders", m1)
	idle := gridtest.NewStorageService("Users", m1)
	a := newAggregator(t, gridtest.NewCluster(m1).AddService(busy, idle))

	ok, err := a.IsPersistenceIdle(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	busy.Idle = false
	ok, err = a.IsPersistenceIdle(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLowestRedundancyStatus(t *testing.T) {
	a := newAggregator(t, gridtest.NewCluster(m1))
	st, err := a.LowestRedundancyStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusNotAvailable, st)

	safe := gridtest.NewStorageService("Orders", m1, m2)
	safe.Status = StatusMachineSafe
	worse := gridtest.NewStorageService("Users", m1, m2)
	a = newAggregator(t, gridtest.NewCluster(m1, m2).AddService(safe, worse))
	st, err = a.LowestRedundancyStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusNodeSafe, st)

	worse.Status = StatusEndangered
	st, err = a.LowestRedundancyStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusEndangered, st)
}

func TestStatusCode(t *testing.T) {
	c, ok := StatusCode("node_safe")
	require.True(t, ok)
	assert.Equal(t, 1, c)
	_, ok = StatusCode("bogus")
	assert.False(t, ok)
	assert.Equal(t, StatusNotAvailable, RedundancyStatus{}.String())
}
