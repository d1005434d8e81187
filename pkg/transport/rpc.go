package transport

import (
	"context"

	"github.com/amirimatin/grid-sidecar/pkg/management"
)

// QueryNamesRequest asks for the entity names matching Pattern.
type QueryNamesRequest struct {
	Pattern string `json:"pattern"`
}

type QueryNamesResponse struct {
	Names []string `json:"names,omitempty"`
	Error string   `json:"error,omitempty"`
}

// AttributesRequest reads Attrs of entity Name; an empty Attrs reads all.
type AttributesRequest struct {
	Name  string   `json:"name"`
	Attrs []string `json:"attrs,omitempty"`
}

type AttributesResponse struct {
	Attributes map[string]any `json:"attributes,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// InvokeRequest runs operation Op on entity Name.
type InvokeRequest struct {
	Name string `json:"name"`
	Op   string `json:"op"`
	Args []any  `json:"args,omitempty"`
}

type InvokeResponse struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// RPCServer exposes a management.Query to remote sidecars.
type RPCServer interface {
	Start(ctx context.Context, q management.Query) error
	Addr() string
	Stop(ctx context.Context) error
}

// ServeQueryNames and its siblings dispatch a request against q. Both wire servers go
// through these so error encoding stays identical.
func ServeQueryNames(ctx context.Context, q management.Query, req QueryNamesRequest) QueryNamesResponse {
	names, err := q.QueryNames(ctx, req.Pattern)
	return QueryNamesResponse{Names: names, Error: EncodeError(err)}
}

func ServeAttributes(ctx context.Context, q management.Query, req AttributesRequest) AttributesResponse {
	attrs, err := q.Attributes(ctx, req.Name, req.Attrs...)
	return AttributesResponse{Attributes: attrs, Error: EncodeError(err)}
}

func ServeInvoke(ctx context.Context, q management.Query, req InvokeRequest) InvokeResponse {
	res, err := q.Invoke(ctx, req.Name, req.Op, req.Args...)
	return InvokeResponse{Result: res, Error: EncodeError(err)}
}
