package memberlist

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	base "github.com/amirimatin/grid-sidecar/pkg/membership"
)

var quiet = log.New(io.Discard, "", 0)

func startNode(t *testing.T, ctx context.Context, id string, meta map[string]string) base.Membership {
	t.Helper()
	m, err := New(Options{NodeID: id, Bind: "127.0.0.1:0", Meta: meta, Logger: quiet, ProbeInterval: 100 * time.Millisecond, SuspicionMult: 2})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))
	require.NotEmpty(t, m.Local().Addr)
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func TestOptions(t *testing.T) {
	_, err := New(Options{Bind: ":0"})
	assert.Error(t, err)
	_, err = New(Options{NodeID: "x"})
	assert.Error(t, err)
}

func TestStartLocal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m := startNode(t, ctx, "t1", map[string]string{base.MetaNodeNumber: "1", base.MetaIdentity: "rack-a"})

	local := m.Local()
	assert.Equal(t, "t1", local.ID)
	assert.Equal(t, 1, local.NodeNumber())
	assert.Equal(t, "rack-a", local.Identity())

	hr, ok := m.(base.HealthReporter)
	require.True(t, ok)
	assert.GreaterOrEqual(t, hr.HealthScore(), 0)
}

func TestMultiNodeMetaAndLeave(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	n1 := startNode(t, ctx, "n1", map[string]string{base.MetaNodeNumber: "1", base.MetaIdentity: "x"})
	n2 := startNode(t, ctx, "n2", map[string]string{base.MetaNodeNumber: "2", base.MetaIdentity: "y"})
	n3 := startNode(t, ctx, "n3", map[string]string{base.MetaNodeNumber: "3", base.MetaIdentity: "y"})
	require.NoError(t, n2.Join([]string{n1.Local().Addr}))
	require.NoError(t, n3.Join([]string{n1.Local().Addr}))

	for _, n := range []base.Membership{n1, n2, n3} {
		require.Eventually(t, func() bool { return len(n.Members()) == 3 }, 5*time.Second, 50*time.Millisecond)
	}
	ids := map[int]string{}
	for _, m := range n1.Members() {
		ids[m.NodeNumber()] = m.Identity()
	}
	assert.Equal(t, map[int]string{1: "x", 2: "y", 3: "y"}, ids)

	_ = n2.Leave()
	_ = n2.Stop()
	require.Eventually(t, func() bool { return len(n1.Members()) == 2 }, 5*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool { return len(n3.Members()) == 2 }, 5*time.Second, 50*time.Millisecond)
}
