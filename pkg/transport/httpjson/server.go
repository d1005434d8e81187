package httpjson

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amirimatin/grid-sidecar/pkg/internal/logutil"
	"github.com/amirimatin/grid-sidecar/pkg/management"
	"github.com/amirimatin/grid-sidecar/pkg/observability/tracing"
	"github.com/amirimatin/grid-sidecar/pkg/transport"
)

const (
	PathQuery      = "/mgmt/query"
	PathAttributes = "/mgmt/attributes"
	PathInvoke     = "/mgmt/invoke"
)

// Server exposes a management.Query over HTTP/JSON, plus /healthz and
// /metrics. Grid nodes run it so sidecars in other processes can use the
// remote adapter.
type Server struct {
	bind   string
	logger *log.Logger
	tlsCfg *tls.Config

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// NewServer binds to the given TCP address (e.g., ":30000").
func NewServer(bind string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{bind: bind, logger: logger}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Handler returns the management routes backed by q.
func Handler(q management.Query) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(PathQuery, post("http.mgmt.query", func(ctx context.Context, dec *json.Decoder) (any, error) {
		var req transport.QueryNamesRequest
		if err := dec.Decode(&req); err != nil {
			return nil, err
		}
		resp := transport.ServeQueryNames(ctx, q, req)
		return resp, transport.DecodeError(resp.Error)
	}))
	mux.HandleFunc(PathAttributes, post("http.mgmt.attributes", func(ctx context.Context, dec *json.Decoder) (any, error) {
		var req transport.AttributesRequest
		if err := dec.Decode(&req); err != nil {
			return nil, err
		}
		resp := transport.ServeAttributes(ctx, q, req)
		return resp, transport.DecodeError(resp.Error)
	}))
	mux.HandleFunc(PathInvoke, post("http.mgmt.invoke", func(ctx context.Context, dec *json.Decoder) (any, error) {
		var req transport.InvokeRequest
		if err := dec.Decode(&req); err != nil {
			return nil, err
		}
		resp := transport.ServeInvoke(ctx, q, req)
		return resp, transport.DecodeError(resp.Error)
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// post wraps a JSON handler. A nil response with an error means the request
// body was malformed.
func post(span string, fn func(ctx context.Context, dec *json.Decoder) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx, end := tracing.StartSpan(r.Context(), span)
		defer end()
		resp, err := fn(ctx, json.NewDecoder(r.Body))
		if resp == nil {
			http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(transport.StatusCode(err))
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// Start launches the HTTP server backed by q. The server is shut down when
// the context is canceled.
func (s *Server) Start(ctx context.Context, q management.Query) error {
	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	if s.tlsCfg != nil {
		ln = tls.NewListener(ln, s.tlsCfg)
	}
	srv := &http.Server{Handler: Handler(q), ReadHeaderTimeout: 5 * time.Second}
	s.mu.Lock()
	s.srv, s.ln = srv, ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logutil.Errorf(s.logger, "httpjson: server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	c, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return srv.Shutdown(c)
}

var _ transport.RPCServer = (*Server)(nil)
