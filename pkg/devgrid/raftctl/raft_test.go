package raftctl

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = log.New(io.Discard, "", 0)

func TestSingleNode(t *testing.T) {
	n, err := New(Options{NodeID: "n1", Bootstrap: true, Logger: quiet})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, n.Start(ctx))
	defer n.Stop()

	require.Eventually(t, n.IsLeader, 3*time.Second, 20*time.Millisecond)
	select {
	case li := <-n.LeaderCh():
		assert.Equal(t, "n1", li.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no leader event")
	}

	require.NoError(t, n.Suspend("Orders"))
	assert.True(t, n.IsSuspended("Orders"))
	require.NoError(t, n.Resume("Orders"))
	assert.Empty(t, n.Suspended())
	assert.NotZero(t, n.Term())
}

func TestNotStarted(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	n, err := New(Options{NodeID: "n1"})
	require.NoError(t, err)
	assert.Error(t, n.Suspend("Orders"))
	assert.False(t, n.IsLeader())
	assert.NoError(t, n.Stop())
}

// Three nodes over TCP with bolt stores; writes on the leader replicate and
// followers refuse writes.
func TestThreeNodeTCP(t *testing.T) {
	mk := func(id string, boot bool) *Node {
		n, err := New(Options{
			NodeID:            id,
			Logger:            quiet,
			Bootstrap:         boot,
			BindAddr:          "127.0.0.1:0",
			DataDir:           t.TempDir(),
			SnapshotsRetained: 1,
			HeartbeatTimeout:  150 * time.Millisecond,
			ElectionTimeout:   300 * time.Millisecond,
			CommitTimeout:     50 * time.Millisecond,
			ApplyTimeout:      2 * time.Second,
		})
		require.NoError(t, err)
		return n
	}
	n1, n2, n3 := mk("n1", true), mk("n2", false), mk("n3", false)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	for _, n := range []*Node{n1, n2, n3} {
		require.NoError(t, n.Start(ctx))
		defer n.Stop()
	}
	require.Eventually(t, n1.IsLeader, 5*time.Second, 50*time.Millisecond)
	require.NoError(t, n1.AddVoter("n2", n2.Addr(), 3*time.Second))
	require.NoError(t, n1.AddVoter("n3", n3.Addr(), 3*time.Second))
	require.NoError(t, n1.AddVoter("n3", n3.Addr(), 3*time.Second), "re-adding is a no-op")

	for _, n := range []*Node{n2, n3} {
		n := n
		require.Eventually(t, func() bool { id, _, ok := n.Leader(); return ok && id == "n1" }, 5*time.Second, 50*time.Millisecond)
	}

	require.NoError(t, n1.Suspend("Orders"))
	for _, n := range []*Node{n2, n3} {
		n := n
		require.Eventually(t, func() bool { return n.IsSuspended("Orders") }, 5*time.Second, 50*time.Millisecond)
	}
	assert.ErrorIs(t, n2.Suspend("Audit"), ErrNotLeader)

	require.NoError(t, n1.Resume("Orders"))
	require.Eventually(t, func() bool { return !n3.IsSuspended("Orders") }, 5*time.Second, 50*time.Millisecond)
	require.NoError(t, n1.RemoveServer("n3", 3*time.Second))
}
