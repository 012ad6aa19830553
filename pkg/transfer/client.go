package transfer

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Common errors.
var (
	ErrNotFound     = stderrors.New("http: resource not found")
	ErrForbidden    = stderrors.New("http: access forbidden")
	ErrUnauthorized = stderrors.New("http: unauthorized")
	ErrServerError  = stderrors.New("http: server error")
)

// DefaultUserAgent is the agent ESXi expects on NFC downloads.
const DefaultUserAgent = "VMware-client"

// Options configures the HTTP client.
type Options struct {
	// Username and Password are sent as HTTP basic auth.
	Username string
	Password string

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool

	// UserAgent header value.
	// Default: VMware-client
	UserAgent string

	// ResponseHeaderTimeout bounds the wait for response headers. Bodies
	// stream without a deadline.
	// Default: 60s
	ResponseHeaderTimeout time.Duration
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		UserAgent:             DefaultUserAgent,
		ResponseHeaderTimeout: 60 * time.Second,
	}
}

// Client streams device files from the platform.
type Client struct {
	client *http.Client
	opts   Options
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts Options) *Client {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.ResponseHeaderTimeout <= 0 {
		opts.ResponseHeaderTimeout = 60 * time.Second
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		DisableCompression:    true, // disk images are transferred byte for byte
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // verify-ssl=false
		},
	}

	return &Client{
		client: &http.Client{Transport: transport},
		opts:   opts,
	}
}

// Get opens an authenticated streaming GET. The caller closes the body.
// size is the Content-Length, or -1 when unknown.
func (c *Client) Get(ctx context.Context, url string) (body io.ReadCloser, size int64, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", c.opts.UserAgent)
	if c.opts.Username != "" {
		req.SetBasicAuth(c.opts.Username, c.opts.Password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}

	if resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("%w: %d %s", ErrServerError, resp.StatusCode, resp.Status)
	}

	if err := checkStatusCode(resp.StatusCode); err != nil {
		resp.Body.Close()
		return nil, 0, err
	}

	return resp.Body, resp.ContentLength, nil
}

// checkStatusCode returns an appropriate error for non-success status codes.
func checkStatusCode(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return fmt.Errorf("unexpected status code: %d", code)
	}
}
