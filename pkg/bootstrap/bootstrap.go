// Package bootstrap assembles a sidecar from configuration: the management
// adapter, the aggregator and readiness latch, the suspension coordinator,
// the auto-resume hook and the control surface. Embedding processes pass
// their own Cluster Handle and adapter; the standalone binary builds a
// remote adapter from Config.Management.
package bootstrap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/amirimatin/grid-sidecar/pkg/config"
	"github.com/amirimatin/grid-sidecar/pkg/grid"
	"github.com/amirimatin/grid-sidecar/pkg/health"
	"github.com/amirimatin/grid-sidecar/pkg/identity"
	"github.com/amirimatin/grid-sidecar/pkg/internal/logutil"
	"github.com/amirimatin/grid-sidecar/pkg/lifecycle"
	"github.com/amirimatin/grid-sidecar/pkg/management"
	"github.com/amirimatin/grid-sidecar/pkg/observability/metrics"
	"github.com/amirimatin/grid-sidecar/pkg/server"
	"github.com/amirimatin/grid-sidecar/pkg/suspend"
	mgmtgrpc "github.com/amirimatin/grid-sidecar/pkg/transport/grpc"
	"github.com/amirimatin/grid-sidecar/pkg/transport/httpjson"
)

// ErrLocalAdapter is returned when the local adapter is configured but the
// caller supplied no in-process adapter.
var ErrLocalAdapter = errors.New("bootstrap: the local management adapter needs an embedding grid process")

// Options define the inputs of Build.
type Options struct {
	Config config.Config

	// Query is the management adapter. Nil builds a remote adapter from
	// Config.Management.
	Query management.Query
	// Cluster supplies the Cluster Handle. Nil means a management.ClusterView
	// over Query.
	Cluster grid.Supplier
	// Lifecycle delivers service start events to the auto-resume hook. Nil
	// polls the Cluster Handle for newly running services.
	Lifecycle grid.LifecycleSource
	// Registrar, when set, receives this member's identity entity.
	Registrar identity.Registrar

	// PollInterval is used when Lifecycle is nil. Zero means 5s.
	PollInterval time.Duration

	Logger *log.Logger
}

// Sidecar is an assembled, unstarted sidecar.
type Sidecar struct {
	cfg       config.Config
	log       *log.Logger
	cluster   grid.Supplier
	query     management.Query
	closeFn   func()
	events    grid.LifecycleSource
	registrar identity.Registrar

	Aggregator  *health.Aggregator
	Readiness   *health.Readiness
	Coordinator *suspend.Coordinator
	Hook        *lifecycle.Hook
	Server      *server.Server
}

// Build validates the configuration and wires every component.
func Build(opts Options) (*Sidecar, error) {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logutil.SetJSON(cfg.LogFormat == "json")
	logutil.SetDebug(cfg.HealthLogs)
	metrics.Register()

	s := &Sidecar{cfg: cfg, log: opts.Logger, query: opts.Query, closeFn: func() {}, registrar: opts.Registrar}

	var serverTLS, clientTLS *tls.Config
	if cfg.TLS.Enable {
		var err error
		topts := cfg.TLS.Options()
		if serverTLS, err = topts.ServerHotReload(); err != nil {
			return nil, fmt.Errorf("bootstrap: server tls: %w", err)
		}
		if clientTLS, err = topts.ClientHotReload(); err != nil {
			return nil, fmt.Errorf("bootstrap: client tls: %w", err)
		}
	}

	if s.query == nil {
		q, closeFn, err := NewQuery(cfg.Management, clientTLS)
		if err != nil {
			return nil, err
		}
		s.query, s.closeFn = q, closeFn
	}

	s.cluster = opts.Cluster
	if s.cluster == nil {
		s.cluster = grid.Static(management.NewClusterView(s.query, cfg.Management.Timeout, opts.Logger))
	}

	s.events = opts.Lifecycle
	if s.events == nil {
		s.events = lifecycle.NewPoller(s.cluster, opts.PollInterval, opts.Logger)
	}

	agg, err := health.NewAggregator(health.Options{
		Cluster:         s.cluster,
		Query:           s.query,
		AllowEndangered: cfg.AllowEndangered,
		WaitForServices: cfg.WaitForServices,
		Logger:          opts.Logger,
	})
	if err != nil {
		s.closeFn()
		return nil, err
	}
	s.Aggregator = agg
	s.Readiness = health.NewReadiness(agg, opts.Logger)
	s.Coordinator = suspend.NewCoordinator(s.cluster, identity.NewRegistry(s.query, opts.Logger), opts.Logger)

	resume, err := lifecycle.ParseResumeMap(cfg.ResumeServices)
	if err != nil {
		logutil.Errorf(opts.Logger, "ignoring invalid resume services %q: %v", cfg.ResumeServices, err)
		resume = nil
	}
	s.Hook = lifecycle.NewHook(lifecycle.Options{
		Cluster:        s.cluster,
		CanResume:      cfg.CanResume,
		ResumeServices: resume,
		Logger:         opts.Logger,
	})

	s.Server, err = server.New(server.Options{
		Bind:      cfg.Bind(),
		Health:    agg,
		Readiness: s.Readiness,
		Suspender: s.Coordinator,
		TLS:       serverTLS,
		Logger:    opts.Logger,
	})
	if err != nil {
		s.closeFn()
		return nil, err
	}
	return s, nil
}

// NewQuery builds a remote management adapter. The returned function
// releases its connections.
func NewQuery(m config.Management, tlsCfg *tls.Config) (management.Query, func(), error) {
	switch m.Proto {
	case config.ProtoHTTP:
		c := httpjson.NewClient(m.Addr, m.Timeout)
		if tlsCfg != nil {
			c.UseTLS(tlsCfg)
		}
		return c, func() {}, nil
	case config.ProtoGRPC:
		c := mgmtgrpc.NewClient(m.Addr, m.Timeout)
		if tlsCfg != nil {
			c.UseTLS(tlsCfg)
		}
		return c, c.Close, nil
	case config.ProtoLocal, "":
		return nil, nil, ErrLocalAdapter
	}
	return nil, nil, fmt.Errorf("bootstrap: unknown management protocol %q", m.Proto)
}

// Run starts the control surface and the auto-resume hook and blocks until
// ctx is done. A disabled sidecar returns immediately.
func (s *Sidecar) Run(ctx context.Context) error {
	defer s.closeFn()
	if !s.cfg.Enabled {
		logutil.Infof(s.log, "sidecar is disabled")
		return nil
	}
	// the server is stopped below so Run returns after shutdown
	srvCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Server.Start(srvCtx); err != nil {
		return fmt.Errorf("bootstrap: control surface: %w", err)
	}
	logutil.Infof(s.log, "sidecar started on %s (management=%s)", s.Server.Addr(), s.cfg.Management.Proto)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Hook.Run(gctx, s.events)
	})
	if s.registrar != nil {
		g.Go(func() error {
			s.registerIdentity(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return s.Server.Stop(context.Background())
	})
	err := g.Wait()
	s.Hook.Wait()
	logutil.Infof(s.log, "sidecar stopped")
	return err
}

// registerIdentity publishes this member's identity once the cluster knows
// its node id.
func (s *Sidecar) registerIdentity(ctx context.Context) {
	ident := s.cfg.ResolvedIdentity()
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		if c := s.cluster(); c != nil && c.IsRunning() {
			if id := c.LocalMember().ID; id > 0 {
				unregister, err := identity.Register(s.registrar, id, ident)
				if err == nil {
					logutil.Infof(s.log, "registered identity %q for member %d", ident, id)
					<-ctx.Done()
					unregister()
					return
				}
				logutil.Warnf(s.log, "identity registration failed: %v", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
