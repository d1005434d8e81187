package httpjson

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/grid-sidecar/pkg/grid"
	"github.com/amirimatin/grid-sidecar/pkg/health"
	"github.com/amirimatin/grid-sidecar/pkg/internal/gridtest"
	"github.com/amirimatin/grid-sidecar/pkg/management"
	"github.com/amirimatin/grid-sidecar/pkg/management/local"
)

func newRemote(t *testing.T, reg *local.Registry) *Client {
	t.Helper()
	ts := httptest.NewServer(Handler(reg))
	t.Cleanup(ts.Close)
	return NewClient(strings.TrimPrefix(ts.URL, "http://"), time.Second)
}

func TestClientNoManagedMember(t *testing.T) {
	c := newRemote(t, local.New())
	_, err := c.QueryNames(context.Background(), management.ClusterName)
	require.Error(t, err)
	assert.True(t, management.IsNoManagedMember(err))
	assert.True(t, errors.Is(err, management.ErrNoManagedMember))
}

func TestClientRoundTrip(t *testing.T) {
	reg := local.New()
	var got []any
	require.NoError(t, reg.Register(management.ClusterName, local.Entity{
		Attributes: func() map[string]any {
			return map[string]any{"Running": true, "MemberIds": []int{1, 2}, "LocalMemberId": 1}
		},
		Operations: map[string]local.OperationFunc{
			management.OpSuspendService: func(_ context.Context, args ...any) (any, error) {
				got = args
				return nil, nil
			},
		},
	}))
	reg.SetManaged(true)
	c := newRemote(t, reg)
	ctx := context.Background()

	names, err := c.QueryNames(ctx, "type=*")
	require.NoError(t, err)
	assert.Equal(t, []string{management.ClusterName}, names)

	attrs, err := c.Attributes(ctx, management.ClusterName, "running", "MemberIds")
	require.NoError(t, err)
	running, ok := management.Bool(attrs, management.AttrRunning)
	assert.True(t, ok && running)
	assert.Equal(t, []int{1, 2}, management.Ints(attrs, management.AttrMemberIDs))

	_, err = c.Invoke(ctx, management.ClusterName, management.OpSuspendService, "Orders")
	require.NoError(t, err)
	assert.Equal(t, []any{"Orders"}, got)

	_, err = c.Attributes(ctx, "type=Service,name=Missing,nodeId=1")
	assert.True(t, errors.Is(err, management.ErrEntityNotFound))
}

// A sidecar on the remote adapter reaches the same verdicts as one running
// in-process.
func TestRemoteAggregator(t *testing.T) {
	m1, m2 := grid.Member{ID: 1}, grid.Member{ID: 2}
	cl := gridtest.NewCluster(m1, m2)
	svc := gridtest.NewStorageService("Orders", m1, m2)
	cl.AddService(svc)
	reg := local.New()
	require.NoError(t, cl.Publish(reg))
	c := newRemote(t, reg)

	agg, err := health.NewAggregator(health.Options{Cluster: grid.Static(cl), Query: c})
	require.NoError(t, err)
	ok, err := agg.IsStatusHA(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	svc.Status = "ENDANGERED"
	ok, err = agg.IsStatusHA(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestServerMethodAndBody(t *testing.T) {
	ts := httptest.NewServer(Handler(local.New()))
	defer ts.Close()

	resp, err := http.Get(ts.URL + PathQuery)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(ts.URL+PathQuery, "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(ts.URL+PathQuery, "application/json", strings.NewReader(`{"pattern":"type=*"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServerStartStop(t *testing.T) {
	reg := local.New()
	reg.SetManaged(true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewServer("127.0.0.1:0", nil)
	require.NoError(t, s.Start(ctx, reg))

	c := NewClient(s.Addr(), time.Second)
	names, err := c.QueryNames(ctx, "type=*")
	require.NoError(t, err)
	assert.Empty(t, names)
	require.NoError(t, s.Stop(context.Background()))
}
