package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("", env(nil))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.True(t, cfg.Enabled)
	assert.True(t, cfg.CanResume)
	assert.Equal(t, ":6676", cfg.Bind())
	assert.Equal(t, ProtoLocal, cfg.Management.Proto)
	require.NoError(t, cfg.Validate())
}

func TestEnv(t *testing.T) {
	cfg, err := Load("", env(map[string]string{
		"SIDECAR_HEALTH_PORT":               "7000",
		"SIDECAR_IDENTITY":                  "storage",
		"SIDECAR_HEALTH_WAIT_SERVICES":      "true",
		"SIDECAR_STATUSHA_ALLOW_ENDANGERED": "Sys, Audit ,",
		"SIDECAR_CAN_RESUME_SERVICES":       "false",
		"SIDECAR_RESUME_SERVICES":           "Orders=true",
		"SIDECAR_MGMT_PROTO":                "grpc",
		"SIDECAR_MGMT_TIMEOUT":              "250ms",
	}))
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, "storage", cfg.ResolvedIdentity())
	assert.True(t, cfg.WaitForServices)
	assert.Equal(t, []string{"Sys", "Audit"}, cfg.AllowEndangered)
	assert.False(t, cfg.CanResume)
	assert.Equal(t, "Orders=true", cfg.ResumeServices)
	assert.Equal(t, ProtoGRPC, cfg.Management.Proto)
	assert.Equal(t, 250*time.Millisecond, cfg.Management.Timeout)
}

func TestEnvErrors(t *testing.T) {
	_, err := Load("", env(map[string]string{
		"SIDECAR_HEALTH_PORT": "http",
		"SIDECAR_ENABLED":     "maybe",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SIDECAR_HEALTH_PORT")
	assert.Contains(t, err.Error(), "SIDECAR_ENABLED")
}

func TestFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sidecar.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 8080
allowEndangered: [Sys]
management:
  proto: http
  timeout: 2s
tls:
  enable: true
  cert: /tls/tls.crt
  key: /tls/tls.key
  ca: /tls/ca.crt
`), 0o600))

	cfg, err := Load(path, env(map[string]string{"SIDECAR_HEALTH_PORT": "7000", "SIDECAR_IDENTITY": "x"}))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "x", cfg.Identity)
	assert.Equal(t, []string{"Sys"}, cfg.AllowEndangered)
	assert.Equal(t, ProtoHTTP, cfg.Management.Proto)
	assert.Equal(t, DefaultMgmtAddr, cfg.Management.Addr)
	assert.Equal(t, 2*time.Second, cfg.Management.Timeout)
	assert.True(t, cfg.TLS.TwoWay)
	require.NoError(t, cfg.Validate())

	opts := cfg.TLS.Options()
	assert.Equal(t, "/tls/ca.crt", opts.CAFile)
	assert.True(t, opts.TwoWay)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), env(nil))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"port":      func(c *Config) { c.Port = 70000 },
		"proto":     func(c *Config) { c.Management.Proto = "jmx" },
		"addr":      func(c *Config) { c.Management.Proto, c.Management.Addr = ProtoHTTP, "" },
		"timeout":   func(c *Config) { c.Management.Timeout = 0 },
		"tls files": func(c *Config) { c.TLS.Enable = true },
		"tls ca": func(c *Config) {
			c.TLS = TLS{Enable: true, CertFile: "c", KeyFile: "k", TwoWay: true}
		},
		"tls protocol": func(c *Config) {
			c.TLS = TLS{Enable: true, CertFile: "c", KeyFile: "k", MinVersion: "SSLv3"}
		},
		"log format": func(c *Config) { c.LogFormat = "xml" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseList(t *testing.T) {
	assert.Empty(t, ParseList(""))
	assert.Empty(t, ParseList(" , ,"))
	assert.Equal(t, []string{"Orders"}, ParseList("Orders"))
	assert.Equal(t, []string{"Orders", "Sessions"}, ParseList(" Orders , ,Sessions,"))
}
