package cli

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/amirimatin/grid-sidecar/pkg/security/tlsconfig"
)

// ErrProbeFailed is returned when the probed endpoint answers with a status
// other than 200.
var ErrProbeFailed = errors.New("probe failed")

var probeEndpoints = map[string]bool{
	"ready": true, "healthz": true, "ha": true, "status": true,
	"suspend": true, "resume": true, "services": true,
}

// NewProbeCmd returns the "probe" command: an exec-style check that calls a
// running sidecar and fails unless it answers 200.
func NewProbeCmd() *cobra.Command {
	var (
		addr, service                      string
		timeout                            time.Duration
		tlsEnable, tlsSkip                 bool
		tlsCA, tlsCert, tlsKey, serverName string
	)
	cmd := &cobra.Command{
		Use:       "probe <ready|healthz|ha|status|suspend|resume|services>",
		Short:     "Call a sidecar endpoint; exit non-zero unless it returns 200",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"ready", "healthz", "ha", "status", "suspend", "resume", "services"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var cliTLS *tls.Config
			if tlsEnable {
				topts := tlsconfig.Options{Enable: true, CAFile: tlsCA, CertFile: tlsCert, KeyFile: tlsKey, InsecureSkipVerify: tlsSkip, ServerName: serverName}
				var err error
				if cliTLS, err = topts.Client(); err != nil {
					return fmt.Errorf("tls client config: %w", err)
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			code, body, err := probe(ctx, addr, args[0], service, cliTLS)
			if err != nil {
				return err
			}
			if len(body) > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), body)
			}
			if code != http.StatusOK {
				return fmt.Errorf("%w: %s returned %d", ErrProbeFailed, args[0], code)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:6676", "control surface address (host:port)")
	cmd.Flags().StringVar(&service, "service", "", "service name for suspend/resume")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	cmd.Flags().BoolVar(&tlsEnable, "tls-enable", false, "call the control surface over TLS")
	cmd.Flags().StringVar(&tlsCA, "tls-ca", "", "path to CA cert (PEM)")
	cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "path to client certificate (PEM)")
	cmd.Flags().StringVar(&tlsKey, "tls-key", "", "path to client private key (PEM)")
	cmd.Flags().BoolVar(&tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
	cmd.Flags().StringVar(&serverName, "tls-server-name", "", "expected server name (for TLS validation)")
	return cmd
}

// probe issues one GET and returns the status code and body.
func probe(ctx context.Context, addr, endpoint, service string, tlsCfg *tls.Config) (int, string, error) {
	if !probeEndpoints[endpoint] {
		return 0, "", fmt.Errorf("unknown probe endpoint %q", endpoint)
	}
	scheme := "http"
	client := &http.Client{}
	if tlsCfg != nil {
		scheme = "https"
		client.Transport = &http.Transport{TLSClientConfig: tlsCfg}
	}
	u := url.URL{Scheme: scheme, Host: addr, Path: "/" + endpoint}
	if service != "" && (endpoint == "suspend" || endpoint == "resume") {
		u.Path += "/" + service
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, string(body), nil
}
