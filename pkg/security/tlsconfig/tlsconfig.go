package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Options defines TLS configuration inputs. Material is PEM encoded.
type Options struct {
	Enable   bool
	CAFile   string
	CertFile string
	KeyFile  string
	// TwoWay requires and verifies client certificates against CAFile.
	// When false a CA only verifies client certificates that are offered.
	TwoWay             bool
	MinVersion         string // "TLS1.2" (default) or "TLS1.3"
	InsecureSkipVerify bool
	ServerName         string
}

// ParseVersion maps a protocol name such as "TLS1.2", "TLSv1.3" or "1.2" to
// a tls version constant. Empty means TLS 1.2.
func ParseVersion(s string) (uint16, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	v = strings.TrimPrefix(strings.TrimPrefix(v, "TLS"), "V")
	switch v {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("tls: unsupported protocol %q", s)
}

func (o Options) base() (*tls.Config, error) {
	minVer, err := ParseVersion(o.MinVersion)
	if err != nil {
		return nil, err
	}
	return &tls.Config{MinVersion: minVer}, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	ca, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("tls: no certificates found in %s", path)
	}
	return pool, nil
}

func (o Options) serverBase() (*tls.Config, error) {
	if o.CertFile == "" || o.KeyFile == "" {
		return nil, errors.New("tls: server cert/key required when TLS enabled")
	}
	cfg, err := o.base()
	if err != nil {
		return nil, err
	}
	if o.CAFile != "" {
		pool, err := loadPool(o.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
		if o.TwoWay {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		}
	} else if o.TwoWay {
		return nil, errors.New("tls: two-way TLS requires a CA file")
	}
	return cfg, nil
}

func (o Options) clientBase() (*tls.Config, error) {
	cfg, err := o.base()
	if err != nil {
		return nil, err
	}
	cfg.InsecureSkipVerify = o.InsecureSkipVerify //nolint:gosec
	if o.ServerName != "" {
		cfg.ServerName = o.ServerName
	}
	if o.CAFile != "" {
		pool, err := loadPool(o.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// Server returns a tls.Config for servers if enabled, otherwise nil.
func (o Options) Server() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	cfg, err := o.serverBase()
	if err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
	if err != nil {
		return nil, err
	}
	cfg.Certificates = []tls.Certificate{cert}
	return cfg, nil
}

// Client returns a tls.Config for clients if enabled, otherwise nil.
func (o Options) Client() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	cfg, err := o.clientBase()
	if err != nil {
		return nil, err
	}
	if o.CertFile != "" && o.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// ServerHotReload returns a server tls.Config that reloads the certificate
// from disk periodically (lazy, on handshake) to support rotation of mounted
// secrets without restarting the process. The CA pool is loaded once.
func (o Options) ServerHotReload() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	cfg, err := o.serverBase()
	if err != nil {
		return nil, err
	}
	// fail fast on unreadable material
	if _, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile); err != nil {
		return nil, err
	}
	load := reloader(o.CertFile, o.KeyFile)
	cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		return load()
	}
	return cfg, nil
}

// ClientHotReload returns a client tls.Config that reloads the client
// certificate from disk on demand. CA roots are loaded once.
func (o Options) ClientHotReload() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	cfg, err := o.clientBase()
	if err != nil {
		return nil, err
	}
	if o.CertFile == "" || o.KeyFile == "" {
		return cfg, nil
	}
	load := reloader(o.CertFile, o.KeyFile)
	cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
		return load()
	}
	return cfg, nil
}

const reloadTTL = 10 * time.Second

func reloader(certFile, keyFile string) func() (*tls.Certificate, error) {
	var (
		mu       sync.RWMutex
		cached   *tls.Certificate
		lastLoad time.Time
	)
	return func() (*tls.Certificate, error) {
		mu.RLock()
		if cached != nil && time.Since(lastLoad) < reloadTTL {
			c := *cached
			mu.RUnlock()
			return &c, nil
		}
		mu.RUnlock()
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		cached = &cert
		lastLoad = time.Now()
		mu.Unlock()
		return &cert, nil
	}
}
