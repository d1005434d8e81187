package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/grid-sidecar/pkg/management"
	"github.com/amirimatin/grid-sidecar/pkg/management/local"
)

func TestBuildIdentityMap(t *testing.T) {
	reg := local.New()
	reg.SetManaged(true)
	_, err := Register(reg, 1, "storage-a")
	require.NoError(t, err)
	unregister, err := Register(reg, 2, "storage-b")
	require.NoError(t, err)
	// an entity without a NodeId attribute falls back to the name
	require.NoError(t, reg.Register(management.IdentityName(3), local.Entity{
		Attributes: func() map[string]any { return map[string]any{"identity": "storage-a"} },
	}))

	r := NewRegistry(reg, nil)
	m, err := r.BuildIdentityMap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Map{1: "storage-a", 2: "storage-b", 3: "storage-a"}, m)

	unregister()
	m, err = r.BuildIdentityMap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", m.Lookup(2))
	assert.Len(t, m, 2)
}

func TestBuildIdentityMap_Empty(t *testing.T) {
	reg := local.New()
	reg.SetManaged(true)
	m, err := NewRegistry(reg, nil).BuildIdentityMap(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, m)
	assert.Empty(t, m)
}

func TestBuildIdentityMap_NoManagedMember(t *testing.T) {
	m, err := NewRegistry(local.New(), nil).BuildIdentityMap(context.Background())
	assert.True(t, management.IsNoManagedMember(err))
	assert.NotNil(t, m)
}
