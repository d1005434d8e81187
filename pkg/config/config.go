// Package config loads sidecar settings: defaults, then SIDECAR_* environment
// variables, then an optional YAML file. Command-line flags are applied last
// by the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/amirimatin/grid-sidecar/pkg/security/tlsconfig"
)

const (
	DefaultPort        = 6676
	DefaultMgmtAddr    = "127.0.0.1:30000"
	DefaultMgmtTimeout = 5 * time.Second

	ProtoLocal = "local"
	ProtoHTTP  = "http"
	ProtoGRPC  = "grpc"
)

// Management selects the management query adapter.
type Management struct {
	Proto   string        `yaml:"proto"`
	Addr    string        `yaml:"addr"`
	Timeout time.Duration `yaml:"timeout"`
}

// TLS holds PEM material for the control surface and remote adapters.
type TLS struct {
	Enable     bool   `yaml:"enable"`
	CertFile   string `yaml:"cert"`
	KeyFile    string `yaml:"key"`
	CAFile     string `yaml:"ca"`
	TwoWay     bool   `yaml:"twoWay"`
	MinVersion string `yaml:"protocol"`
	ServerName string `yaml:"serverName"`
	SkipVerify bool   `yaml:"skipVerify"`
}

// Options converts to tlsconfig options.
func (t TLS) Options() tlsconfig.Options {
	return tlsconfig.Options{
		Enable:             t.Enable,
		CAFile:             t.CAFile,
		CertFile:           t.CertFile,
		KeyFile:            t.KeyFile,
		TwoWay:             t.TwoWay,
		MinVersion:         t.MinVersion,
		InsecureSkipVerify: t.SkipVerify,
		ServerName:         t.ServerName,
	}
}

// Config is the complete sidecar configuration.
type Config struct {
	Enabled         bool     `yaml:"enabled"`
	Port            int      `yaml:"port"`
	Identity        string   `yaml:"identity"`
	WaitForServices bool     `yaml:"waitForServices"`
	AllowEndangered []string `yaml:"allowEndangered"`
	CanResume       bool     `yaml:"canResume"`
	// ResumeServices is a per-service resume list, see lifecycle.ParseResumeMap.
	ResumeServices string     `yaml:"resumeServices"`
	HealthLogs     bool       `yaml:"healthLogs"`
	LogFormat      string     `yaml:"logFormat"`
	Tracing        bool       `yaml:"tracing"`
	Management     Management `yaml:"management"`
	TLS            TLS        `yaml:"tls"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Enabled:   true,
		Port:      DefaultPort,
		CanResume: true,
		LogFormat: "text",
		Management: Management{
			Proto:   ProtoLocal,
			Addr:    DefaultMgmtAddr,
			Timeout: DefaultMgmtTimeout,
		},
		TLS: TLS{TwoWay: true, MinVersion: "TLS1.2"},
	}
}

// LookupFunc reads an environment variable; os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// Load returns defaults overlaid with the environment and, when path is
// set, the YAML file at path.
func Load(path string, lookup LookupFunc) (Config, error) {
	cfg := Default()
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return cfg, err
	}
	if path != "" {
		if err := cfg.ApplyFile(path); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// ApplyFile overlays the YAML file at path. Keys absent from the file keep
// their current values.
func (c *Config) ApplyFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// ParseList splits a comma-separated setting into trimmed, non-empty items.
func ParseList(csv string) []string {
	var out []string
	for _, p := range strings.Split(csv, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ApplyEnv overlays SIDECAR_* environment variables.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	e := envReader{lookup: lookup}
	e.boolVar(&c.Enabled, "SIDECAR_ENABLED")
	e.intVar(&c.Port, "SIDECAR_HEALTH_PORT")
	e.stringVar(&c.Identity, "SIDECAR_IDENTITY")
	e.boolVar(&c.WaitForServices, "SIDECAR_HEALTH_WAIT_SERVICES")
	if v, ok := lookup("SIDECAR_STATUSHA_ALLOW_ENDANGERED"); ok {
		c.AllowEndangered = ParseList(v)
	}
	e.boolVar(&c.CanResume, "SIDECAR_CAN_RESUME_SERVICES")
	e.stringVar(&c.ResumeServices, "SIDECAR_RESUME_SERVICES")
	e.boolVar(&c.HealthLogs, "SIDECAR_HEALTH_LOGS")
	e.stringVar(&c.LogFormat, "SIDECAR_LOG_FORMAT")
	e.boolVar(&c.Tracing, "SIDECAR_TRACE")
	e.stringVar(&c.Management.Proto, "SIDECAR_MGMT_PROTO")
	e.stringVar(&c.Management.Addr, "SIDECAR_MGMT_ADDR")
	e.durationVar(&c.Management.Timeout, "SIDECAR_MGMT_TIMEOUT")
	e.boolVar(&c.TLS.Enable, "SIDECAR_TLS_ENABLE")
	e.stringVar(&c.TLS.CertFile, "SIDECAR_TLS_CERT")
	e.stringVar(&c.TLS.KeyFile, "SIDECAR_TLS_KEY")
	e.stringVar(&c.TLS.CAFile, "SIDECAR_TLS_CA")
	e.boolVar(&c.TLS.TwoWay, "SIDECAR_TLS_TWOWAY")
	e.stringVar(&c.TLS.MinVersion, "SIDECAR_TLS_PROTOCOL")
	e.stringVar(&c.TLS.ServerName, "SIDECAR_TLS_SERVER_NAME")
	return errors.Join(e.errs...)
}

// Validate checks the settings for consistency.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: port %d out of range", c.Port))
	}
	switch c.Management.Proto {
	case ProtoLocal, ProtoHTTP, ProtoGRPC:
	default:
		errs = append(errs, fmt.Errorf("config: unknown management protocol %q (local|http|grpc)", c.Management.Proto))
	}
	if c.Management.Proto != ProtoLocal && c.Management.Addr == "" {
		errs = append(errs, errors.New("config: management address is required for remote adapters"))
	}
	if c.Management.Timeout <= 0 {
		errs = append(errs, errors.New("config: management timeout must be positive"))
	}
	if c.TLS.Enable {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			errs = append(errs, errors.New("config: tls cert and key are required when TLS is enabled"))
		}
		if c.TLS.TwoWay && c.TLS.CAFile == "" {
			errs = append(errs, errors.New("config: two-way TLS requires a CA file"))
		}
		if _, err := tlsconfig.ParseVersion(c.TLS.MinVersion); err != nil {
			errs = append(errs, fmt.Errorf("config: %w", err))
		}
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("config: unknown log format %q (text|json)", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Bind returns the control surface listen address.
func (c Config) Bind() string { return ":" + strconv.Itoa(c.Port) }

// ResolvedIdentity returns Identity, falling back to the host name.
func (c Config) ResolvedIdentity() string {
	if c.Identity != "" {
		return c.Identity
	}
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

type envReader struct {
	lookup LookupFunc
	errs   []error
}

func (e *envReader) stringVar(dst *string, key string) {
	if v, ok := e.lookup(key); ok {
		*dst = strings.TrimSpace(v)
	}
}

func (e *envReader) boolVar(dst *bool, key string) {
	v, ok := e.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return
	}
	*dst = b
}

func (e *envReader) intVar(dst *int, key string) {
	v, ok := e.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return
	}
	*dst = i
}

func (e *envReader) durationVar(dst *time.Duration, key string) {
	v, ok := e.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return
	}
	*dst = d
}
