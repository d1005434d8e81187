package grpc

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/amirimatin/grid-sidecar/pkg/management"
	"github.com/amirimatin/grid-sidecar/pkg/observability/metrics"
	"github.com/amirimatin/grid-sidecar/pkg/observability/tracing"
	"github.com/amirimatin/grid-sidecar/pkg/transport"
)

var errClientClosed = errors.New("grpc: client closed")

// Client is the remote management adapter over gRPC. Connections are cached
// per address and evicted when idle.
type Client struct {
	addr    string
	timeout time.Duration
	tlsCfg  *tls.Config

	cmOnce sync.Once
	cm     *ConnManager
}

func NewClient(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{addr: addr, timeout: timeout}
}

// UseTLS sets TLS config for the client. Call before the first request.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) dial(_ context.Context, target string) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
	}
	if c.tlsCfg != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return grpc.NewClient(target, opts...)
}

func (c *Client) QueryNames(ctx context.Context, pattern string) ([]string, error) {
	var out transport.QueryNamesResponse
	err := c.invoke(ctx, "QueryNames", &transport.QueryNamesRequest{Pattern: pattern}, &out, &out.Error)
	return out.Names, err
}

func (c *Client) Attributes(ctx context.Context, name string, attrs ...string) (map[string]any, error) {
	var out transport.AttributesResponse
	if err := c.invoke(ctx, "Attributes", &transport.AttributesRequest{Name: name, Attrs: attrs}, &out, &out.Error); err != nil {
		return nil, err
	}
	return management.Lower(out.Attributes), nil
}

func (c *Client) Invoke(ctx context.Context, name, op string, args ...any) (any, error) {
	var out transport.InvokeResponse
	err := c.invoke(ctx, "Invoke", &transport.InvokeRequest{Name: name, Op: op, Args: args}, &out, &out.Error)
	return out.Result, err
}

// Healthy reports whether the remote management service is serving.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cc, rel, err := c.getConn(cctx)
	if err != nil {
		return false, err
	}
	defer rel()
	resp, err := healthpb.NewHealthClient(cc).Check(cctx, &healthpb.HealthCheckRequest{Service: serviceName})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out any, remoteErr *string) (err error) {
	ctx, end := tracing.StartSpan(ctx, "grpc."+method, "addr", c.addr)
	defer end()
	defer func() { metrics.ManagementCalls.WithLabelValues("grpc", method, metrics.Result(true, err)).Inc() }()

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cc, rel, err := c.getConn(cctx)
	if err != nil {
		return err
	}
	defer rel()
	if err := cc.Invoke(cctx, "/"+serviceName+"/"+method, in, out); err != nil {
		return err
	}
	return transport.DecodeError(*remoteErr)
}

// Close releases cached connections.
func (c *Client) Close() {
	c.cmOnce.Do(func() {})
	if c.cm != nil {
		c.cm.Close()
	}
}

// getConn returns a managed connection, creating a manager if absent.
func (c *Client) getConn(ctx context.Context) (*grpc.ClientConn, func(), error) {
	c.cmOnce.Do(func() { c.cm = NewConnManager(30*time.Second, c.dial) })
	if c.cm == nil {
		return nil, nil, errClientClosed
	}
	return c.cm.Get(ctx, c.addr)
}

var _ management.Query = (*Client)(nil)
