package local

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/grid-sidecar/pkg/management"
)

func TestRegistry_Unmanaged(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(management.ClusterName, Entity{}))
	ctx := context.Background()

	_, err := r.QueryNames(ctx, management.ClusterName)
	assert.ErrorIs(t, err, management.ErrNoManagedMember)
	_, err = r.Attributes(ctx, management.ClusterName)
	assert.True(t, management.IsNoManagedMember(err))

	r.SetManaged(true)
	names, err := r.QueryNames(ctx, management.ClusterName)
	require.NoError(t, err)
	assert.Equal(t, []string{management.ClusterName}, names)
}

func TestRegistry_Attributes(t *testing.T) {
	r := New()
	r.SetManaged(true)
	idle := false
	require.NoError(t, r.Register(management.PersistenceCoordinatorName("Orders"), Entity{
		Attributes: func() map[string]any {
			return map[string]any{"Idle": idle, "RecoveryInProgress": false}
		},
	}))
	ctx := context.Background()

	attrs, err := r.Attributes(ctx, `type=Persistence,service="Orders",responsibility=PersistenceCoordinator`, "IDLE")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"idle": false}, attrs)

	idle = true
	attrs, err = r.Attributes(ctx, management.PersistenceCoordinatorName("Orders"))
	require.NoError(t, err)
	assert.Equal(t, true, attrs["idle"])
	assert.Contains(t, attrs, "recoveryinprogress")

	_, err = r.Attributes(ctx, management.PersistenceCoordinatorName("Other"))
	assert.ErrorIs(t, err, management.ErrEntityNotFound)
}

func TestRegistry_Invoke(t *testing.T) {
	r := New()
	r.SetManaged(true)
	var got []any
	require.NoError(t, r.Register(management.ClusterName, Entity{
		Operations: map[string]OperationFunc{
			management.OpSuspendService: func(_ context.Context, args ...any) (any, error) {
				got = args
				return nil, nil
			},
		},
	}))
	ctx := context.Background()

	_, err := r.Invoke(ctx, management.ClusterName, management.OpSuspendService, "Orders")
	require.NoError(t, err)
	assert.Equal(t, []any{"Orders"}, got)

	_, err = r.Invoke(ctx, management.ClusterName, "shutdown")
	assert.True(t, errors.Is(err, management.ErrOperationNotFound))
}

func TestRegistry_UnregisterMatching(t *testing.T) {
	r := New()
	r.SetManaged(true)
	for _, id := range []int{1, 2} {
		require.NoError(t, r.Register(management.IdentityName(id), Entity{}))
	}
	require.NoError(t, r.Register(management.ClusterName, Entity{}))

	r.UnregisterMatching(management.PatternIdentities)
	names, err := r.QueryNames(context.Background(), "type=*")
	require.NoError(t, err)
	assert.Equal(t, []string{management.ClusterName}, names)
}
