package grpc

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/amirimatin/grid-sidecar/pkg/management"
	"github.com/amirimatin/grid-sidecar/pkg/observability/tracing"
	"github.com/amirimatin/grid-sidecar/pkg/transport"
)

const serviceName = "gridsidecar.v1.Management"

// Server implements transport.RPCServer over gRPC using a JSON codec.
type Server struct {
	bind   string
	tlsCfg *tls.Config

	mu     sync.Mutex
	lis    net.Listener
	srv    *grpc.Server
	health *health.Server
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

type managementServer interface {
	QueryNames(ctx context.Context, in *transport.QueryNamesRequest) (*transport.QueryNamesResponse, error)
	Attributes(ctx context.Context, in *transport.AttributesRequest) (*transport.AttributesResponse, error)
	Invoke(ctx context.Context, in *transport.InvokeRequest) (*transport.InvokeResponse, error)
}

// mgmtImpl reports query errors in the response body so the client can
// restore the management sentinels.
type mgmtImpl struct{ q management.Query }

func (m *mgmtImpl) QueryNames(ctx context.Context, in *transport.QueryNamesRequest) (*transport.QueryNamesResponse, error) {
	ctx, end := tracing.StartSpan(ctx, "grpc.mgmt.query")
	defer end()
	out := transport.ServeQueryNames(ctx, m.q, *in)
	return &out, nil
}

func (m *mgmtImpl) Attributes(ctx context.Context, in *transport.AttributesRequest) (*transport.AttributesResponse, error) {
	ctx, end := tracing.StartSpan(ctx, "grpc.mgmt.attributes", "name", in.Name)
	defer end()
	out := transport.ServeAttributes(ctx, m.q, *in)
	return &out, nil
}

func (m *mgmtImpl) Invoke(ctx context.Context, in *transport.InvokeRequest) (*transport.InvokeResponse, error) {
	ctx, end := tracing.StartSpan(ctx, "grpc.mgmt.invoke", "name", in.Name, "op", in.Op)
	defer end()
	out := transport.ServeInvoke(ctx, m.q, *in)
	return &out, nil
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Management_serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*managementServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "QueryNames", Handler: _Management_QueryNames_Handler},
		{MethodName: "Attributes", Handler: _Management_Attributes_Handler},
		{MethodName: "Invoke", Handler: _Management_Invoke_Handler},
	},
}

func _Management_QueryNames_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(transport.QueryNamesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(managementServer).QueryNames(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/QueryNames"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(managementServer).QueryNames(ctx, req.(*transport.QueryNamesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Management_Attributes_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(transport.AttributesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(managementServer).Attributes(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Attributes"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(managementServer).Attributes(ctx, req.(*transport.AttributesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Management_Invoke_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(transport.InvokeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(managementServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Invoke"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(managementServer).Invoke(ctx, req.(*transport.InvokeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func (s *Server) Start(ctx context.Context, q management.Query) error {
	lis, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	// Force JSON codec to avoid requiring protobuf types
	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
	}
	if s.tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg)))
	}
	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	srv.RegisterService(&_Management_serviceDesc, &mgmtImpl{q: q})

	s.mu.Lock()
	s.lis, s.srv, s.health = lis, srv, hs
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(c)
	}()
	go func() { _ = srv.Serve(lis) }()
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.bind
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, hs := s.srv, s.health
	s.srv, s.health, s.lis = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	hs.Shutdown()
	ch := make(chan struct{})
	go func() { srv.GracefulStop(); close(ch) }()
	select {
	case <-ch:
	case <-ctx.Done():
		srv.Stop()
	}
	return nil
}

var _ transport.RPCServer = (*Server)(nil)
