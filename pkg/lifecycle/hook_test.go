package lifecycle

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/grid-sidecar/pkg/grid"
	"github.com/amirimatin/grid-sidecar/pkg/internal/gridtest"
)

var m1 = grid.Member{ID: 1}

func TestParseResumeMap(t *testing.T) {
	cases := []struct {
		in   string
		want map[string]bool
	}{
		{"", nil},
		{"   ", nil},
		{"Orders=true", map[string]bool{"Orders": true}},
		{"Orders=true,Users=false, Audit=TRUE", map[string]bool{"Orders": true, "Users": false, "Audit": true}},
		{`"a,b"=true,"x=y"=false`, map[string]bool{"a,b": true, "x=y": false}},
		{`"say \"hi\""=true`, map[string]bool{`say "hi"`: true}},
		{`back\slash=true`, map[string]bool{`back\slash`: true}},
		{"Orders", map[string]bool{"Orders": false}},
		{",,=true,", nil},
		{"base64:" + base64.StdEncoding.EncodeToString([]byte(`"a,b"=true`)), map[string]bool{"a,b": true}},
	}
	for _, c := range cases {
		got, err := ParseResumeMap(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}

	_, err := ParseResumeMap("base64:%%%")
	assert.Error(t, err)
	_, err = ParseResumeMap(`"open=true`)
	assert.Error(t, err)
}

func TestShouldResume(t *testing.T) {
	h := NewHook(Options{CanResume: true, ResumeServices: map[string]bool{"Keep": false}})
	assert.True(t, h.ShouldResume("Orders"))
	assert.False(t, h.ShouldResume("Keep"))

	h = NewHook(Options{CanResume: false, ResumeServices: map[string]bool{"Orders": true}})
	assert.True(t, h.Enabled())
	assert.True(t, h.ShouldResume("Orders"))
	assert.False(t, h.ShouldResume("Users"))

	h = NewHook(Options{CanResume: false})
	assert.False(t, h.Enabled())
	assert.False(t, h.ShouldResume("Orders"))
}

func TestCheck(t *testing.T) {
	suspended := gridtest.NewStorageService("Orders", m1)
	suspended.SetSuspended(true)
	running := gridtest.NewStorageService("Users", m1)
	noStorage := gridtest.NewStorageService("Remote", m1)
	noStorage.Storage = false
	noStorage.SetSuspended(true)
	c := gridtest.NewCluster(m1).AddService(suspended, running, noStorage)
	h := NewHook(Options{Cluster: grid.Static(c), CanResume: true})

	assert.True(t, h.Check(context.Background(), suspended))
	assert.False(t, h.Check(context.Background(), running))
	assert.False(t, h.Check(context.Background(), noStorage))
	h.Wait()

	assert.Equal(t, []string{"Orders"}, c.Resumed())
	assert.False(t, suspended.IsSuspended())
}

func TestCheck_FailureIsSwallowed(t *testing.T) {
	svc := gridtest.NewStorageService("Orders", m1)
	svc.SetSuspended(true)
	c := gridtest.NewCluster(m1).AddService(svc)
	c.OpErr = errors.New("no senior")
	h := NewHook(Options{Cluster: grid.Static(c), CanResume: true})

	assert.True(t, h.Check(context.Background(), svc))
	h.Wait()
	assert.True(t, svc.IsSuspended())
}

func TestCheck_Excluded(t *testing.T) {
	svc := gridtest.NewStorageService("Orders", m1)
	svc.SetSuspended(true)
	c := gridtest.NewCluster(m1).AddService(svc)
	h := NewHook(Options{Cluster: grid.Static(c), CanResume: true, ResumeServices: map[string]bool{"Orders": false}})

	assert.False(t, h.Check(context.Background(), svc))
	h.Wait()
	assert.Empty(t, c.Resumed())
}

type chanSource chan grid.Event

func (s chanSource) Subscribe(context.Context) <-chan grid.Event { return s }

func TestRun(t *testing.T) {
	already := gridtest.NewStorageService("Already", m1)
	already.SetSuspended(true)
	late := gridtest.NewStorageService("Late", m1)
	late.SetSuspended(true)
	c := gridtest.NewCluster(m1).AddService(already)
	h := NewHook(Options{Cluster: grid.Static(c), CanResume: true})

	src := make(chanSource, 2)
	src <- grid.Event{Type: grid.EventServiceStarting, Service: late}
	src <- grid.Event{Type: grid.EventServiceStarted, Service: late, At: time.Now()}
	close(src)

	require.NoError(t, h.Run(context.Background(), src))
	h.Wait()
	assert.ElementsMatch(t, []string{"Already", "Late"}, c.Resumed())
}

func TestRun_Disabled(t *testing.T) {
	svc := gridtest.NewStorageService("Orders", m1)
	svc.SetSuspended(true)
	c := gridtest.NewCluster(m1).AddService(svc)
	h := NewHook(Options{Cluster: grid.Static(c)})

	require.NoError(t, h.Run(context.Background(), make(chanSource)))
	h.Wait()
	assert.Empty(t, c.Resumed())
}

func TestRun_StopsOnCancel(t *testing.T) {
	c := gridtest.NewCluster(m1)
	h := NewHook(Options{Cluster: grid.Static(c), CanResume: true})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, make(chanSource)) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
