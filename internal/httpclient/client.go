package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nao1215/torpeer/internal/model"
	"github.com/nao1215/torpeer/internal/netutil"
)

const (
	// DefaultTimeout bounds a whole request including the Tor circuit setup.
	DefaultTimeout = 2 * time.Minute

	// DefaultUserAgent is sent unless overridden.
	DefaultUserAgent = "torpeer"

	// maxBodySize caps how much of a response is read.
	maxBodySize = 10 << 20

	// maxErrorBody caps the body excerpt kept in HTTPError.
	maxErrorBody = 512
)

// Client issues GET and POST requests against one base URL.
type Client struct {
	baseURL   *url.URL
	proxy     model.Socks5Proxy
	timeout   time.Duration
	userAgent string
	logger    *slog.Logger

	http    *http.Client
	pending atomic.Bool
}

// Option configures a Client.
type Option func(*Client)

// WithSocks5Proxy routes requests through p. Plain http requests to
// localhost or .local hosts still go direct.
func WithSocks5Proxy(p model.Socks5Proxy) Option {
	return func(c *Client) {
		c.proxy = p
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a client for baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBaseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, baseURL)
	}

	c := &Client{
		baseURL:   u,
		timeout:   DefaultTimeout,
		userAgent: DefaultUserAgent,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	transport, err := c.newTransport()
	if err != nil {
		return nil, err
	}
	c.http = &http.Client{
		Transport: transport,
		Timeout:   c.timeout,
	}
	return c, nil
}

// newTransport builds the transport for the base URL's host.
func (c *Client) newTransport() (*http.Transport, error) {
	host := c.baseURL.Hostname()
	transport := &http.Transport{
		MaxIdleConns:       2,
		IdleConnTimeout:    30 * time.Second,
		DisableCompression: true,
	}

	if model.IsOnionHost(host) {
		// The onion address authenticates the service; onion sites rarely
		// carry a certificate a public CA would issue.
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // onion service
	}

	if c.proxy.IsZero() || c.Direct() {
		transport.DialContext = (&net.Dialer{Timeout: c.timeout}).DialContext
		return transport, nil
	}
	dialer, err := netutil.Socks5Dialer(c.proxy)
	if err != nil {
		return nil, err
	}
	transport.DialContext = dialer.DialContext
	return transport, nil
}

// Direct reports whether requests bypass the proxy: plain http to a
// localhost or .local host.
func (c *Client) Direct() bool {
	return c.baseURL.Scheme == "http" && netutil.IsLocalHost(c.baseURL.Hostname())
}

// BaseURL returns the base URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// HasPendingRequest reports whether a request is in flight.
func (c *Client) HasPendingRequest() bool {
	return c.pending.Load()
}

// Get requests baseURL+param and returns the body.
func (c *Client) Get(ctx context.Context, param string, header http.Header) (string, error) {
	return c.do(ctx, http.MethodGet, param, "", header)
}

// Post sends body to baseURL+param and returns the response body.
func (c *Client) Post(ctx context.Context, param, body string, header http.Header) (string, error) {
	return c.do(ctx, http.MethodPost, param, body, header)
}

func (c *Client) do(ctx context.Context, method, param, body string, header http.Header) (string, error) {
	if !c.pending.CompareAndSwap(false, true) {
		return "", ErrPendingRequest
	}
	defer c.pending.Store(false)

	target := strings.TrimSuffix(c.baseURL.String(), "/") + "/" + strings.TrimPrefix(param, "/")
	if param == "" {
		target = c.baseURL.String()
	}

	var reqBody io.Reader
	if method == http.MethodPost {
		reqBody = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	c.logger.Debug("sending request", "method", method, "url", target, "proxied", !c.proxy.IsZero() && !c.Direct())
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s %s failed: %w", method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	elapsed := time.Since(start)
	if err != nil {
		return "", fmt.Errorf("failed to read response from %s: %w", target, err)
	}

	if resp.StatusCode != http.StatusOK {
		excerpt := string(data)
		if len(excerpt) > maxErrorBody {
			excerpt = excerpt[:maxErrorBody]
		}
		return "", &HTTPError{
			StatusCode: resp.StatusCode,
			Elapsed:    elapsed,
			Method:     method,
			URL:        target,
			Param:      param,
			Body:       excerpt,
		}
	}
	c.logger.Debug("received response", "method", method, "url", target, "elapsed", elapsed, "bytes", len(data))
	return string(data), nil
}
