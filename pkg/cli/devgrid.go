package cli

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/amirimatin/grid-sidecar/pkg/bootstrap"
	"github.com/amirimatin/grid-sidecar/pkg/config"
	"github.com/amirimatin/grid-sidecar/pkg/devgrid"
	"github.com/amirimatin/grid-sidecar/pkg/devgrid/raftctl"
	"github.com/amirimatin/grid-sidecar/pkg/discovery"
	dDNS "github.com/amirimatin/grid-sidecar/pkg/discovery/dns"
	dStatic "github.com/amirimatin/grid-sidecar/pkg/discovery/static"
	"github.com/amirimatin/grid-sidecar/pkg/grid"
	"github.com/amirimatin/grid-sidecar/pkg/internal/logutil"
	"github.com/amirimatin/grid-sidecar/pkg/management"
	"github.com/amirimatin/grid-sidecar/pkg/membership"
	ml "github.com/amirimatin/grid-sidecar/pkg/membership/memberlist"
	"github.com/amirimatin/grid-sidecar/pkg/transport"
	mgmtgrpc "github.com/amirimatin/grid-sidecar/pkg/transport/grpc"
	"github.com/amirimatin/grid-sidecar/pkg/transport/httpjson"
)

// DefaultServices are run by a devgrid node started without --services.
var DefaultServices = []devgrid.ServiceConfig{
	{Name: "Orders", Type: grid.TypeDistributedCache, Backups: 1, Persistence: true},
	{Name: "Sessions", Type: grid.TypeDistributedCache, Backups: 1},
	{Name: "Proxy", Type: grid.TypeProxy},
}

// NewDevgridRunCmd returns the "run" command of the reference grid: a
// devgrid node with gossip membership, raft-replicated service control, a
// remote management server and an embedded sidecar on the local adapter.
func NewDevgridRunCmd() *cobra.Command {
	var (
		sf                           sidecarFlags
		node                         int
		name, memBind, memAdv        string
		joinCSV, dnsNames            string
		dnsPort                      int
		discTimeout                  time.Duration
		raftAddr, dataDir            string
		doBootstrap, storageDisabled bool
		mgmtAddr, mgmtAdv, mgmtProto string
		mgmtTimeout                  time.Duration
		servicesPath                 string
		rebalance, startDelay        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a reference grid node with an embedded sidecar",
		RunE: func(cmd *cobra.Command, args []string) error {
			if node <= 0 {
				return fmt.Errorf("missing --node")
			}
			if name == "" {
				name = "member-" + strconv.Itoa(node)
			}
			cfg, err := sf.load(cmd.Flags())
			if err != nil {
				return err
			}
			cfg.Management.Proto = config.ProtoLocal
			services, err := loadServices(servicesPath)
			if err != nil {
				return err
			}
			logger := log.Default()

			var serverTLS, clientTLS *tls.Config
			if cfg.TLS.Enable {
				topts := cfg.TLS.Options()
				if serverTLS, err = topts.ServerHotReload(); err != nil {
					return fmt.Errorf("tls server config: %w", err)
				}
				if clientTLS, err = topts.ClientHotReload(); err != nil {
					return fmt.Errorf("tls client config: %w", err)
				}
			}

			ctx, cancel := signalContext()
			defer cancel()

			rn, err := raftctl.New(raftctl.Options{NodeID: name, BindAddr: raftAddr, DataDir: dataDir, Bootstrap: doBootstrap, Logger: logger})
			if err != nil {
				return err
			}
			if err := rn.Start(ctx); err != nil {
				return fmt.Errorf("raft: %w", err)
			}

			fail := func(err error) error {
				_ = rn.Stop()
				return err
			}
			if mgmtAdv == "" {
				mgmtAdv = mgmtAddr
			}
			ms, err := ml.New(ml.Options{
				NodeID:    name,
				Bind:      memBind,
				Advertise: memAdv,
				Logger:    logger,
				Meta: map[string]string{
					membership.MetaNodeNumber: strconv.Itoa(node),
					membership.MetaIdentity:   cfg.ResolvedIdentity(),
					membership.MetaMgmtAddr:   mgmtAdv,
					membership.MetaRaftAddr:   rn.Addr(),
					membership.MetaStorage:    strconv.FormatBool(!storageDisabled),
				},
			})
			if err != nil {
				return fail(err)
			}

			self := memAdv
			if self == "" {
				self = memBind
			}
			seeds := seedDiscovery(ctx, joinCSV, self, dnsNames, dnsPort, discTimeout, doBootstrap, logger)
			dial := newDialer(mgmtProto, mgmtTimeout, clientTLS)
			defer dial.close()

			n, err := devgrid.New(devgrid.Options{
				Name:            name,
				NodeNumber:      node,
				Identity:        cfg.ResolvedIdentity(),
				StorageDisabled: storageDisabled,
				Services:        services,
				Membership:      ms,
				Seeds:           seeds,
				Control:         rn,
				Forward:         devgrid.LeaderForwarder(ms, rn.Leader, dial.query, mgmtTimeout),
				NotLeader:       func(err error) bool { return errors.Is(err, raftctl.ErrNotLeader) },
				StartDelay:      startDelay,
				Rebalance:       rebalance,
				Logger:          logger,
			})
			if err != nil {
				return fail(err)
			}

			srv, err := newMgmtServer(mgmtProto, mgmtAddr, serverTLS, logger)
			if err != nil {
				return fail(err)
			}
			g, gctx := errgroup.WithContext(ctx)
			if err := srv.Start(gctx, n.Registry()); err != nil {
				return fail(fmt.Errorf("management server: %w", err))
			}
			if err := n.Start(gctx); err != nil {
				_ = srv.Stop(context.Background())
				return fail(err)
			}
			g.Go(func() error {
				return runSidecar(gctx, cfg, bootstrap.Options{
					Query:     n.Registry(),
					Cluster:   grid.Static(n),
					Lifecycle: n,
					Logger:    logger,
				})
			})
			g.Go(func() error {
				<-gctx.Done()
				_ = srv.Stop(context.Background())
				n.Stop()
				return rn.Stop()
			})
			return g.Wait()
		},
	}
	fs := cmd.Flags()
	sf.register(fs)
	fs.IntVar(&node, "node", 0, "grid member number, unique and > 0 (required)")
	fs.StringVar(&name, "name", "", "member name (default member-<node>)")
	fs.StringVar(&memBind, "mem-bind", ":7946", "membership bind addr (host:port)")
	fs.StringVar(&memAdv, "mem-adv", "", "membership advertise addr (host:port, optional)")
	fs.StringVar(&joinCSV, "join", "", "comma-separated membership seeds (host:port)")
	fs.StringVar(&dnsNames, "dns-names", "", "comma-separated DNS names or SRV records used instead of --join")
	fs.IntVar(&dnsPort, "dns-port", 7946, "port used for A/AAAA lookups")
	fs.DurationVar(&discTimeout, "disc-timeout", 30*time.Second, "how long to wait for DNS seeds to appear")
	fs.StringVar(&raftAddr, "raft-addr", "127.0.0.1:9520", "raft bind addr (tcp, advertisable)")
	fs.StringVar(&dataDir, "data", "", "raft data dir; empty keeps raft state in memory")
	fs.BoolVar(&doBootstrap, "bootstrap", false, "bootstrap a single-node raft cluster (first member only)")
	fs.BoolVar(&storageDisabled, "storage-disabled", false, "own no partitions")
	fs.StringVar(&mgmtAddr, "mgmt-addr", ":30000", "management server bind addr (host:port)")
	fs.StringVar(&mgmtAdv, "mgmt-adv", "", "management address gossiped to peers (default --mgmt-addr)")
	fs.StringVar(&mgmtProto, "mgmt-proto", config.ProtoHTTP, "management protocol: http|grpc")
	fs.DurationVar(&mgmtTimeout, "mgmt-timeout", config.DefaultMgmtTimeout, "timeout of calls forwarded to the leader")
	fs.StringVar(&servicesPath, "services", "", "YAML file listing the services to run")
	fs.DurationVar(&rebalance, "rebalance", 10*time.Second, "how long partitions move after a membership change")
	fs.DurationVar(&startDelay, "start-delay", 0, "delay before services start")
	return cmd
}

// loadServices reads a YAML list of devgrid.ServiceConfig.
func loadServices(path string) ([]devgrid.ServiceConfig, error) {
	if path == "" {
		return append([]devgrid.ServiceConfig(nil), DefaultServices...), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("services: %w", err)
	}
	var out []devgrid.ServiceConfig
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("services: parse %s: %w", path, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("services: %s lists no services", path)
	}
	return out, nil
}

// seedDiscovery prefers DNS names over the static CSV, from which the
// member's own address is removed. A joining member waits for DNS to return
// seeds; a bootstrap member does not.
func seedDiscovery(ctx context.Context, joinCSV, self, dnsNames string, dnsPort int, timeout time.Duration, bootstrapping bool, logger *log.Logger) discovery.Discovery {
	names := config.ParseList(dnsNames)
	if len(names) == 0 {
		return dStatic.Without(dStatic.New(config.ParseList(joinCSV)...), self)
	}
	d := dDNS.New(dDNS.Options{Names: names, Port: dnsPort, Logger: logger})
	if !bootstrapping {
		if _, err := dDNS.EventuallyResolve(ctx, d, time.Second, timeout); err != nil {
			logutil.Warnf(logger, "devgrid: no DNS seeds yet, starting alone: %v", err)
		}
	}
	return d
}

func newMgmtServer(proto, bind string, tlsCfg *tls.Config, logger *log.Logger) (transport.RPCServer, error) {
	switch proto {
	case config.ProtoHTTP:
		s := httpjson.NewServer(bind, logger)
		if tlsCfg != nil {
			s.UseTLS(tlsCfg)
		}
		return s, nil
	case config.ProtoGRPC:
		s := mgmtgrpc.NewServer(bind)
		if tlsCfg != nil {
			s.UseTLS(tlsCfg)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown management protocol %q (http|grpc)", proto)
}

// dialer caches one management client per leader address.
type dialer struct {
	proto   string
	timeout time.Duration
	tlsCfg  *tls.Config

	mu      sync.Mutex
	clients map[string]management.Query
	closers []func()
}

func newDialer(proto string, timeout time.Duration, tlsCfg *tls.Config) *dialer {
	return &dialer{proto: proto, timeout: timeout, tlsCfg: tlsCfg, clients: make(map[string]management.Query)}
}

func (d *dialer) query(addr string) management.Query {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q, ok := d.clients[addr]; ok {
		return q
	}
	var q management.Query
	if d.proto == config.ProtoGRPC {
		c := mgmtgrpc.NewClient(addr, d.timeout)
		if d.tlsCfg != nil {
			c.UseTLS(d.tlsCfg)
		}
		d.closers = append(d.closers, c.Close)
		q = c
	} else {
		c := httpjson.NewClient(addr, d.timeout)
		if d.tlsCfg != nil {
			c.UseTLS(d.tlsCfg)
		}
		q = c
	}
	d.clients[addr] = q
	return q
}

func (d *dialer) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.closers {
		c()
	}
	d.closers = nil
	d.clients = make(map[string]management.Query)
}
