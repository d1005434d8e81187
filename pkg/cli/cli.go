// Package cli holds the cobra commands of the gridsidecar and devgrid
// binaries so other programs can mount them under their own root.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/amirimatin/grid-sidecar/pkg/config"
)

// AddAll attaches the sidecar subcommands (run/probe) to root.
func AddAll(root *cobra.Command) {
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewProbeCmd())
}

// NewDevgridCommand returns a parent command "devgrid" holding the
// reference grid commands.
func NewDevgridCommand() *cobra.Command {
	parent := &cobra.Command{Use: "devgrid", Short: "reference grid node commands"}
	parent.AddCommand(NewDevgridRunCmd())
	return parent
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// sidecarFlags binds the sidecar settings shared by "run" and
// "devgrid run". Values are applied over the loaded configuration only
// when the flag was set, so flags win over env and file.
type sidecarFlags struct {
	configPath      string
	port            int
	identity        string
	waitServices    bool
	allowEndangered []string
	canResume       bool
	resumeServices  string
	healthLogs      bool
	logFormat       string
	trace           bool

	tlsEnable, tlsTwoWay, tlsSkip       bool
	tlsCA, tlsCert, tlsKey, tlsProtocol string
	tlsServerName                       string
}

func (f *sidecarFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "path to a YAML config file")
	fs.IntVar(&f.port, "port", config.DefaultPort, "control surface port")
	fs.StringVar(&f.identity, "identity", "", "deployment identity of this member (default hostname)")
	fs.BoolVar(&f.waitServices, "wait-services", false, "wait for every local service to start before HA checks")
	fs.StringSliceVar(&f.allowEndangered, "allow-endangered", nil, "services allowed to be ENDANGERED in the HA check")
	fs.BoolVar(&f.canResume, "can-resume", true, "resume suspended services when they start")
	fs.StringVar(&f.resumeServices, "resume-services", "", "per-service resume list, e.g. Orders=true,Audit=false")
	fs.BoolVar(&f.healthLogs, "health-logs", false, "log per-check verdict details")
	fs.StringVar(&f.logFormat, "log-format", "text", "log format: text|json")
	fs.BoolVar(&f.trace, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
	fs.BoolVar(&f.tlsEnable, "tls-enable", false, "serve the control surface and dial management over TLS")
	fs.StringVar(&f.tlsCA, "tls-ca", "", "path to CA cert (PEM)")
	fs.StringVar(&f.tlsCert, "tls-cert", "", "path to certificate (PEM)")
	fs.StringVar(&f.tlsKey, "tls-key", "", "path to private key (PEM)")
	fs.BoolVar(&f.tlsTwoWay, "tls-two-way", true, "require client certificates")
	fs.StringVar(&f.tlsProtocol, "tls-protocol", "TLS1.2", "minimum TLS version: TLS1.2|TLS1.3")
	fs.BoolVar(&f.tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
	fs.StringVar(&f.tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
}

// load reads defaults, env and the config file, then applies set flags.
func (f *sidecarFlags) load(fs *pflag.FlagSet) (config.Config, error) {
	cfg, err := config.Load(f.configPath, os.LookupEnv)
	if err != nil {
		return cfg, err
	}
	f.apply(fs, &cfg)
	return cfg, cfg.Validate()
}

func (f *sidecarFlags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	set := func(name string, fn func()) {
		if fs.Changed(name) {
			fn()
		}
	}
	set("port", func() { cfg.Port = f.port })
	set("identity", func() { cfg.Identity = f.identity })
	set("wait-services", func() { cfg.WaitForServices = f.waitServices })
	set("allow-endangered", func() { cfg.AllowEndangered = f.allowEndangered })
	set("can-resume", func() { cfg.CanResume = f.canResume })
	set("resume-services", func() { cfg.ResumeServices = f.resumeServices })
	set("health-logs", func() { cfg.HealthLogs = f.healthLogs })
	set("log-format", func() { cfg.LogFormat = f.logFormat })
	set("trace", func() { cfg.Tracing = f.trace })
	set("tls-enable", func() { cfg.TLS.Enable = f.tlsEnable })
	set("tls-ca", func() { cfg.TLS.CAFile = f.tlsCA })
	set("tls-cert", func() { cfg.TLS.CertFile = f.tlsCert })
	set("tls-key", func() { cfg.TLS.KeyFile = f.tlsKey })
	set("tls-two-way", func() { cfg.TLS.TwoWay = f.tlsTwoWay })
	set("tls-protocol", func() { cfg.TLS.MinVersion = f.tlsProtocol })
	set("tls-skip-verify", func() { cfg.TLS.SkipVerify = f.tlsSkip })
	set("tls-server-name", func() { cfg.TLS.ServerName = f.tlsServerName })
}

// mgmtFlags selects the management adapter of the standalone sidecar.
type mgmtFlags struct {
	proto   string
	addr    string
	timeout time.Duration
}

func (f *mgmtFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.proto, "mgmt-proto", config.ProtoHTTP, "management adapter: http|grpc")
	fs.StringVar(&f.addr, "mgmt-addr", config.DefaultMgmtAddr, "management address of the grid member (host:port)")
	fs.DurationVar(&f.timeout, "mgmt-timeout", config.DefaultMgmtTimeout, "management call timeout")
}

func (f *mgmtFlags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	if fs.Changed("mgmt-proto") {
		cfg.Management.Proto = f.proto
	}
	if fs.Changed("mgmt-addr") {
		cfg.Management.Addr = f.addr
	}
	if fs.Changed("mgmt-timeout") {
		cfg.Management.Timeout = f.timeout
	}
}
