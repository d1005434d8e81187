package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/grid-sidecar/pkg/grid"
	"github.com/amirimatin/grid-sidecar/pkg/health"
	"github.com/amirimatin/grid-sidecar/pkg/identity"
	"github.com/amirimatin/grid-sidecar/pkg/internal/gridtest"
	"github.com/amirimatin/grid-sidecar/pkg/management"
	"github.com/amirimatin/grid-sidecar/pkg/management/local"
	"github.com/amirimatin/grid-sidecar/pkg/suspend"
)

type fixture struct {
	cluster *gridtest.Cluster
	reg     *local.Registry
	srv     *httptest.Server
}

func newFixture(t *testing.T, c *gridtest.Cluster, allow ...string) *fixture {
	t.Helper()
	reg := local.New()
	require.NoError(t, c.Publish(reg))
	return newFixtureWithQuery(t, c, reg, allow...)
}

func newFixtureWithQuery(t *testing.T, c *gridtest.Cluster, reg *local.Registry, allow ...string) *fixture {
	t.Helper()
	agg, err := health.NewAggregator(health.Options{Cluster: grid.Static(c), Query: reg, AllowEndangered: allow})
	require.NoError(t, err)
	s, err := New(Options{
		Health:    agg,
		Readiness: health.NewReadiness(agg, nil),
		Suspender: suspend.NewCoordinator(grid.Static(c), identity.NewRegistry(reg, nil), nil),
	})
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &fixture{cluster: c, reg: reg, srv: ts}
}

func (f *fixture) get(t *testing.T, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

var (
	a1 = grid.Member{ID: 1, Identity: "A"}
	a2 = grid.Member{ID: 2, Identity: "A"}
	b3 = grid.Member{ID: 3, Identity: "B"}
)

func TestSingleMemberScenario(t *testing.T) {
	svc := gridtest.NewStorageService("Orders", a1)
	svc.Status = health.StatusSiteSafe
	f := newFixture(t, gridtest.NewCluster(a1).AddService(svc))

	code, _ := f.get(t, "/ready")
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.get(t, "/ha")
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	code, body := f.get(t, "/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "site-safe", body)
}

func TestEndangeredScenario(t *testing.T) {
	svc := gridtest.NewStorageService("Orders", a1, a2)
	svc.Status = health.StatusEndangered
	c := gridtest.NewCluster(a1, a2).AddService(svc)

	f := newFixture(t, c)
	code, _ := f.get(t, "/ha")
	assert.Equal(t, http.StatusBadRequest, code)
	code, body := f.get(t, "/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "endangered", body)

	f = newFixture(t, c, "Orders")
	code, _ = f.get(t, "/ha")
	assert.Equal(t, http.StatusOK, code)
}

func TestReadyLatch(t *testing.T) {
	svc := gridtest.NewStorageService("Orders", a1, a2)
	c := gridtest.NewCluster(a1, a2).AddService(svc)
	f := newFixture(t, c)

	svc.Idle = false
	code, _ := f.get(t, "/ready")
	assert.Equal(t, http.StatusBadRequest, code)

	svc.Idle = true
	code, _ = f.get(t, "/ready")
	assert.Equal(t, http.StatusOK, code)

	svc.Status = health.StatusEndangered
	code, _ = f.get(t, "/ready")
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.get(t, "/ha")
	assert.Equal(t, http.StatusBadRequest, code)

	c.SetRunning(false)
	code, _ = f.get(t, "/ready")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.get(t, "/healthz")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestNoManagedMemberIs400(t *testing.T) {
	c := gridtest.NewCluster(a1).AddService(gridtest.NewStorageService("Orders", a1))
	f := newFixtureWithQuery(t, c, local.New())

	for _, path := range []string{"/ready", "/ha", "/services"} {
		code, _ := f.get(t, path)
		assert.Equal(t, http.StatusBadRequest, code, path)
	}
	code, body := f.get(t, "/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "n/a", body)
}

func TestSuspendScenario(t *testing.T) {
	x := gridtest.NewStorageService("X", a1, a2)
	y := gridtest.NewStorageService("Y", b3)
	y.Storage = false
	f := newFixture(t, gridtest.NewCluster(a1, a2, b3).AddService(x, y))

	code, _ := f.get(t, "/suspend")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, x.IsSuspended())
	assert.False(t, y.IsSuspended())
	assert.Equal(t, []string{"X"}, f.cluster.Suspended())

	code, _ = f.get(t, "/resume")
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, x.IsSuspended())
}

func TestSuspendSharedServiceIsSkipped(t *testing.T) {
	shared := gridtest.NewStorageService("Shared", a1, b3)
	f := newFixture(t, gridtest.NewCluster(a1, b3).AddService(shared))

	code, _ := f.get(t, "/suspend")
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, shared.IsSuspended())

	code, _ = f.get(t, "/suspend/Shared")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, shared.IsSuspended())

	code, _ = f.get(t, "/resume/Shared")
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, shared.IsSuspended())
}

func TestSuspendUnknownIs404(t *testing.T) {
	svc := gridtest.NewStorageService("Orders", a1)
	f := newFixture(t, gridtest.NewCluster(a1).AddService(svc))

	code, _ := f.get(t, "/suspend/Missing")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.get(t, "/resume/Missing")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Empty(t, f.cluster.Suspended())
	assert.Empty(t, f.cluster.Resumed())
	assert.False(t, svc.IsSuspended())
}

func TestSuspendFailureIs500(t *testing.T) {
	c := gridtest.NewCluster(a1).AddService(gridtest.NewStorageService("Orders", a1))
	c.OpErr = errors.New("senior unavailable")
	f := newFixture(t, c)

	code, _ := f.get(t, "/suspend/Orders")
	assert.Equal(t, http.StatusInternalServerError, code)
	code, _ = f.get(t, "/resume")
	assert.Equal(t, http.StatusInternalServerError, code)
}

func TestServices(t *testing.T) {
	svc := gridtest.NewStorageService("Orders", a1)
	f := newFixture(t, gridtest.NewCluster(a1).AddService(svc))

	code, body := f.get(t, "/services")
	require.Equal(t, http.StatusOK, code)
	var descs []health.ServiceDescriptor
	require.NoError(t, json.Unmarshal([]byte(body), &descs))
	require.Len(t, descs, 1)
	assert.Equal(t, "Orders", descs[0].Name)
	assert.True(t, descs[0].HA)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, gridtest.NewCluster(a1))
	resp, err := http.Post(f.srv.URL+"/suspend", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

type failingHealth struct{ Health }

func (failingHealth) IsStatusHA(context.Context) (bool, error) {
	return false, errors.New("connection refused")
}

type panickyReadiness struct{}

func (panickyReadiness) CheckReady(context.Context) (bool, error) { panic("boom") }

func TestUnexpectedErrorsAre500(t *testing.T) {
	c := gridtest.NewCluster(a1)
	reg := local.New()
	require.NoError(t, c.Publish(reg))
	agg, err := health.NewAggregator(health.Options{Cluster: grid.Static(c), Query: reg})
	require.NoError(t, err)
	s, err := New(Options{
		Health:    failingHealth{agg},
		Readiness: panickyReadiness{},
		Suspender: suspend.NewCoordinator(grid.Static(c), identity.NewRegistry(reg, nil), nil),
	})
	require.NoError(t, err)

	for _, path := range []string{"/ha", "/ready"} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code, path)
	}
}

// flakyQuery fails reads of entities whose type is in failTypes and counts
// invocations.
type flakyQuery struct {
	management.Query
	failTypes []string
	err       error
	invokes   atomic.Int32
}

func (f *flakyQuery) fails(name string) bool {
	for _, typ := range f.failTypes {
		if strings.Contains(name, "type="+typ) {
			return true
		}
	}
	return false
}

func (f *flakyQuery) QueryNames(ctx context.Context, pattern string) ([]string, error) {
	if f.fails(pattern) {
		return nil, f.err
	}
	return f.Query.QueryNames(ctx, pattern)
}

func (f *flakyQuery) Attributes(ctx context.Context, name string, attrs ...string) (map[string]any, error) {
	if f.fails(name) {
		return nil, f.err
	}
	return f.Query.Attributes(ctx, name, attrs...)
}

func (f *flakyQuery) Invoke(ctx context.Context, name, op string, args ...any) (any, error) {
	f.invokes.Add(1)
	return f.Query.Invoke(ctx, name, op, args...)
}

// newViewServer serves a sidecar whose Cluster Handle is a ClusterView over q,
// the way a remote adapter is wired.
func newViewServer(t *testing.T, q management.Query) *httptest.Server {
	t.Helper()
	view := management.NewClusterView(q, 0, nil)
	agg, err := health.NewAggregator(health.Options{Cluster: grid.Static(view), Query: q})
	require.NoError(t, err)
	s, err := New(Options{
		Health:    agg,
		Readiness: health.NewReadiness(agg, nil),
		Suspender: suspend.NewCoordinator(grid.Static(view), identity.NewRegistry(q, nil), nil),
	})
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getCode(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestRemoteServiceReadFailureIs500(t *testing.T) {
	svc := gridtest.NewStorageService("Orders", a1)
	c := gridtest.NewCluster(a1).AddService(svc)
	reg := local.New()
	require.NoError(t, c.Publish(reg))
	q := &flakyQuery{Query: reg, failTypes: []string{management.TypeService}, err: errors.New("connection refused")}
	ts := newViewServer(t, q)

	for _, path := range []string{"/suspend/Orders", "/resume/Orders", "/suspend", "/resume"} {
		assert.Equal(t, http.StatusInternalServerError, getCode(t, ts.URL+path), path)
	}
	assert.Zero(t, q.invokes.Load())
	assert.False(t, svc.IsSuspended())
}

func TestRemoteServiceReadsSucceed(t *testing.T) {
	svc := gridtest.NewStorageService("Orders", a1)
	c := gridtest.NewCluster(a1).AddService(svc)
	reg := local.New()
	require.NoError(t, c.Publish(reg))
	q := &flakyQuery{Query: reg}
	ts := newViewServer(t, q)

	assert.Equal(t, http.StatusNotFound, getCode(t, ts.URL+"/suspend/Missing"))
	assert.Equal(t, http.StatusOK, getCode(t, ts.URL+"/suspend/Orders"))
	assert.True(t, svc.IsSuspended())
	assert.Equal(t, http.StatusOK, getCode(t, ts.URL+"/resume"))
	assert.False(t, svc.IsSuspended())
	assert.Equal(t, http.StatusOK, getCode(t, ts.URL+"/healthz"))
}

func TestRemoteClusterReadFailureIs500(t *testing.T) {
	c := gridtest.NewCluster(a1).AddService(gridtest.NewStorageService("Orders", a1))
	reg := local.New()
	require.NoError(t, c.Publish(reg))
	q := &flakyQuery{Query: reg, failTypes: []string{management.TypeCluster}, err: errors.New("connection refused")}
	ts := newViewServer(t, q)

	for _, path := range []string{"/healthz", "/ready", "/ha", "/suspend", "/resume"} {
		assert.Equal(t, http.StatusInternalServerError, getCode(t, ts.URL+path), path)
	}
}

func TestRemoteNoManagedMemberIs400(t *testing.T) {
	ts := newViewServer(t, local.New())
	for _, path := range []string{"/healthz", "/ready", "/ha", "/suspend", "/resume/Orders"} {
		assert.Equal(t, http.StatusBadRequest, getCode(t, ts.URL+path), path)
	}
}

func TestServiceName(t *testing.T) {
	assert.Equal(t, "", serviceName("/suspend", "/suspend"))
	assert.Equal(t, "", serviceName("/suspend/", "/suspend"))
	assert.Equal(t, "Orders", serviceName("/suspend/Orders", "/suspend"))
	assert.Equal(t, "Orders", serviceName("/resume/Orders/extra", "/resume"))
}

func TestOptionsValidate(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
