package httpjson

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/amirimatin/grid-sidecar/pkg/management"
	"github.com/amirimatin/grid-sidecar/pkg/observability/metrics"
	"github.com/amirimatin/grid-sidecar/pkg/observability/tracing"
	"github.com/amirimatin/grid-sidecar/pkg/transport"
)

// Client is the remote management adapter over HTTP/JSON. Transport
// failures are retried with a short backoff; errors reported by the grid
// node are returned as is.
type Client struct {
	addr      string
	httpc     *http.Client
	transport *http.Transport
	isTLS     bool
}

// NewClient constructs a Client for the node at addr (host:port).
func NewClient(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	tr := &http.Transport{}
	return &Client{addr: addr, httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
	c.transport.TLSClientConfig = cfg
	c.isTLS = cfg != nil
	return c
}

func (c *Client) QueryNames(ctx context.Context, pattern string) ([]string, error) {
	var out transport.QueryNamesResponse
	err := c.call(ctx, "query", PathQuery, transport.QueryNamesRequest{Pattern: pattern}, &out, &out.Error)
	return out.Names, err
}

func (c *Client) Attributes(ctx context.Context, name string, attrs ...string) (map[string]any, error) {
	var out transport.AttributesResponse
	if err := c.call(ctx, "attributes", PathAttributes, transport.AttributesRequest{Name: name, Attrs: attrs}, &out, &out.Error); err != nil {
		return nil, err
	}
	return management.Lower(out.Attributes), nil
}

func (c *Client) Invoke(ctx context.Context, name, op string, args ...any) (any, error) {
	var out transport.InvokeResponse
	err := c.call(ctx, "invoke", PathInvoke, transport.InvokeRequest{Name: name, Op: op, Args: args}, &out, &out.Error)
	return out.Result, err
}

func (c *Client) call(ctx context.Context, op, path string, in, out any, remoteErr *string) (err error) {
	ctx, end := tracing.StartSpan(ctx, "httpjson."+op, "addr", c.addr)
	defer end()
	defer func() { metrics.ManagementCalls.WithLabelValues("http", op, metrics.Result(true, err)).Inc() }()

	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	scheme := "http"
	if c.isTLS {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s%s", scheme, c.addr, path)

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.httpc.Do(req)
		if err == nil {
			return decode(resp, out, remoteErr)
		}
		lastErr = err
		// backoff unless context is done
		select {
		case <-ctx.Done():
			return errors.Join(lastErr, ctx.Err())
		case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
		}
	}
	return lastErr
}

func decode(resp *http.Response, out any, remoteErr *string) error {
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if jerr := json.Unmarshal(b, out); jerr != nil {
		return fmt.Errorf("httpjson: status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}
	if *remoteErr != "" {
		return transport.DecodeError(*remoteErr)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("httpjson: status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}
	return nil
}

var _ management.Query = (*Client)(nil)
