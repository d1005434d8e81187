// Package server is the sidecar's HTTP control surface. Every endpoint maps
// a verdict to a status code with an empty body, except /status (the lowest
// redundancy status name) and /services (JSON diagnostics).
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amirimatin/grid-sidecar/pkg/health"
	"github.com/amirimatin/grid-sidecar/pkg/internal/logutil"
	"github.com/amirimatin/grid-sidecar/pkg/management"
	"github.com/amirimatin/grid-sidecar/pkg/observability/metrics"
	"github.com/amirimatin/grid-sidecar/pkg/observability/tracing"
	"github.com/amirimatin/grid-sidecar/pkg/suspend"
)

// Health is the aggregator surface used by the control surface.
type Health interface {
	HasClusterMembers(ctx context.Context) (bool, error)
	IsStatusHA(ctx context.Context) (bool, error)
	IsPersistenceIdle(ctx context.Context) (bool, error)
	LowestRedundancyStatus(ctx context.Context) (string, error)
	Services(ctx context.Context) ([]health.ServiceDescriptor, error)
}

// Readiness evaluates the readiness latch.
type Readiness interface {
	CheckReady(ctx context.Context) (bool, error)
}

// Suspender suspends and resumes services.
type Suspender interface {
	Suspend(ctx context.Context, name string) (suspend.Outcome, error)
	Resume(ctx context.Context, name string) (suspend.Outcome, error)
}

// Options configure a Server.
type Options struct {
	// Bind is the listen address, e.g. ":6676".
	Bind      string
	Health    Health
	Readiness Readiness
	Suspender Suspender
	// TLS enables TLS on the listener when set.
	TLS    *tls.Config
	Logger *log.Logger
}

var (
	errNoHealth    = errors.New("server: health aggregator is required")
	errNoReadiness = errors.New("server: readiness is required")
	errNoSuspender = errors.New("server: suspender is required")
)

func (o Options) Validate() error {
	switch {
	case o.Health == nil:
		return errNoHealth
	case o.Readiness == nil:
		return errNoReadiness
	case o.Suspender == nil:
		return errNoSuspender
	}
	return nil
}

// Server is the control surface.
type Server struct {
	bind      string
	health    Health
	readiness Readiness
	suspender Suspender
	tlsCfg    *tls.Config
	logger    *log.Logger
	srv       *http.Server
	ln        net.Listener
}

func New(opts Options) (*Server, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Server{
		bind:      opts.Bind,
		health:    opts.Health,
		readiness: opts.Readiness,
		suspender: opts.Suspender,
		tlsCfg:    opts.TLS,
		logger:    opts.Logger,
	}, nil
}

// Handler returns the routed handler. It is what Start serves.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "/ready", s.ready)
	s.route(mux, "/healthz", s.healthz)
	s.route(mux, "/ha", s.statusHA)
	s.route(mux, "/status", s.status)
	s.route(mux, "/suspend", s.suspend)
	s.route(mux, "/suspend/", s.suspend)
	s.route(mux, "/resume", s.resume)
	s.route(mux, "/resume/", s.resume)
	s.route(mux, "/services", s.services)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	if s.tlsCfg != nil {
		ln = tls.NewListener(ln, s.tlsCfg)
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	logutil.Infof(s.logger, "control surface listening on %s (tls=%t)", ln.Addr(), s.tlsCfg != nil)

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logutil.Errorf(s.logger, "control surface: server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	c, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := s.srv.Shutdown(c)
	s.srv = nil
	return err
}

func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	route := strings.TrimSuffix(pattern, "/")
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			if p := recover(); p != nil {
				logutil.Errorf(s.logger, "%s: panic: %v", r.URL.Path, p)
				rec.WriteHeader(http.StatusInternalServerError)
			}
			metrics.Requests.WithLabelValues(route, strconv.Itoa(rec.code)).Observe(time.Since(start).Seconds())
		}()
		if r.Method != http.MethodGet {
			http.Error(rec, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx, end := tracing.StartSpan(r.Context(), "http"+route, "path", r.URL.Path)
		defer end()
		h(rec, r.WithContext(ctx))
	})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ok, err := s.readiness.CheckReady(r.Context())
	metrics.Checks.WithLabelValues("ready", metrics.Result(ok, err)).Inc()
	if err != nil {
		s.handleError(w, err, "ready check")
		return
	}
	send(w, verdict(ok))
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ok, err := s.health.HasClusterMembers(r.Context())
	metrics.Checks.WithLabelValues("healthz", metrics.Result(ok, err)).Inc()
	if err != nil {
		s.handleError(w, err, "health check")
		return
	}
	logutil.Debugf(s.logger, "health check response %d - cluster=%t", verdict(ok), ok)
	send(w, verdict(ok))
}

func (s *Server) statusHA(w http.ResponseWriter, r *http.Request) {
	isHA, err := s.health.IsStatusHA(r.Context())
	if err != nil {
		metrics.Checks.WithLabelValues("ha", "error").Inc()
		s.handleError(w, err, "StatusHA check")
		return
	}
	isIdle, err := s.health.IsPersistenceIdle(r.Context())
	if err != nil {
		metrics.Checks.WithLabelValues("ha", "error").Inc()
		s.handleError(w, err, "StatusHA check")
		return
	}
	ok := isHA && isIdle
	metrics.Checks.WithLabelValues("ha", metrics.Result(ok, nil)).Inc()
	if !ok {
		logutil.Infof(s.logger, "HA check response 400 - HA=%t idle=%t", isHA, isIdle)
	} else {
		logutil.Debugf(s.logger, "HA check response 200 - HA=%t idle=%t", isHA, isIdle)
	}
	send(w, verdict(ok))
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.health.LowestRedundancyStatus(r.Context())
	if err != nil {
		s.logError(err, "status check")
		st = health.StatusNotAvailable
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(strings.ToLower(st)))
}

func (s *Server) services(w http.ResponseWriter, r *http.Request) {
	descs, err := s.health.Services(r.Context())
	if err != nil {
		s.handleError(w, err, "services listing")
		return
	}
	if descs == nil {
		descs = []health.ServiceDescriptor{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(descs)
}

func (s *Server) suspend(w http.ResponseWriter, r *http.Request) {
	name := serviceName(r.URL.Path, "/suspend")
	// a client that disconnects must not abort a cluster-wide mutation
	out, err := s.suspender.Suspend(context.WithoutCancel(r.Context()), name)
	if err != nil {
		s.handleMutationError(w, err, "suspend")
		return
	}
	logutil.Debugf(s.logger, "suspend %q - suspended=%v skipped=%v", name, out.Suspended, out.Skipped)
	send(w, http.StatusOK)
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	name := serviceName(r.URL.Path, "/resume")
	out, err := s.suspender.Resume(context.WithoutCancel(r.Context()), name)
	if err != nil {
		s.handleMutationError(w, err, "resume")
		return
	}
	logutil.Debugf(s.logger, "resume %q - resumed=%v", name, out.Resumed)
	send(w, http.StatusOK)
}

// serviceName extracts the service name from "/suspend/{name}", "" for the
// bulk path.
func serviceName(path, prefix string) string {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.TrimPrefix(rest, "/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return strings.TrimSpace(rest)
}

func (s *Server) handleMutationError(w http.ResponseWriter, err error, action string) {
	if errors.Is(err, suspend.ErrServiceNotFound) {
		logutil.Warnf(s.logger, "%s: %v", action, err)
		send(w, http.StatusNotFound)
		return
	}
	s.handleError(w, err, action)
}

// handleError maps the expected no-managed-member condition to 400 and any
// other failure to 500.
func (s *Server) handleError(w http.ResponseWriter, err error, action string) {
	s.logError(err, action)
	if management.IsNoManagedMember(err) {
		send(w, http.StatusBadRequest)
		return
	}
	send(w, http.StatusInternalServerError)
}

func (s *Server) logError(err error, action string) {
	if management.IsNoManagedMember(err) {
		logutil.Warnf(s.logger, "%s failed due to '%v'", action, err)
		return
	}
	logutil.Errorf(s.logger, "%s failed: %v", action, err)
}

func verdict(ok bool) int {
	if ok {
		return http.StatusOK
	}
	return http.StatusBadRequest
}

func send(w http.ResponseWriter, code int) {
	w.WriteHeader(code)
}

type statusRecorder struct {
	http.ResponseWriter
	code    int
	written bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.written {
		return
	}
	r.written = true
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.written = true
	return r.ResponseWriter.Write(b)
}
