package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/grid-sidecar/pkg/management"
	"github.com/amirimatin/grid-sidecar/pkg/management/local"
)

func TestDecodeErrorRestoresSentinels(t *testing.T) {
	assert.NoError(t, DecodeError(""))

	err := DecodeError(EncodeError(management.ErrNoManagedMember))
	assert.True(t, errors.Is(err, management.ErrNoManagedMember))
	assert.True(t, management.IsNoManagedMember(err))
	assert.False(t, errors.Is(err, management.ErrEntityNotFound))

	err = DecodeError(EncodeError(fmt.Errorf("%w: type=Service,name=X", management.ErrEntityNotFound)))
	assert.True(t, errors.Is(err, management.ErrEntityNotFound))
	assert.Equal(t, 404, StatusCode(err))

	err = DecodeError("boom")
	assert.False(t, errors.Is(err, management.ErrNoManagedMember))
	assert.Equal(t, 500, StatusCode(err))
	assert.Equal(t, 503, StatusCode(management.ErrNoManagedMember))
	assert.Equal(t, 200, StatusCode(nil))
}

func TestServeHelpers(t *testing.T) {
	reg := local.New()
	require.NoError(t, reg.Register("type=Cluster", local.Entity{
		Attributes: func() map[string]any { return map[string]any{"Running": true} },
		Operations: map[string]local.OperationFunc{
			"echo": func(_ context.Context, args ...any) (any, error) { return args[0], nil },
		},
	}))
	ctx := context.Background()

	r := ServeQueryNames(ctx, reg, QueryNamesRequest{Pattern: "type=*"})
	assert.Equal(t, management.NoManagedMemberMessage, r.Error)

	reg.SetManaged(true)
	r = ServeQueryNames(ctx, reg, QueryNamesRequest{Pattern: "type=*"})
	assert.Empty(t, r.Error)
	assert.Equal(t, []string{"type=Cluster"}, r.Names)

	a := ServeAttributes(ctx, reg, AttributesRequest{Name: "type=Cluster"})
	assert.Equal(t, true, a.Attributes["running"])

	i := ServeInvoke(ctx, reg, InvokeRequest{Name: "type=Cluster", Op: "echo", Args: []any{"x"}})
	assert.Equal(t, "x", i.Result)
	i = ServeInvoke(ctx, reg, InvokeRequest{Name: "type=Cluster", Op: "nope"})
	assert.True(t, errors.Is(DecodeError(i.Error), management.ErrOperationNotFound))
}
