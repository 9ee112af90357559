package changes

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client is a changes feed client for a document database server.
// It is safe for concurrent use.
//
// The client uses an HTTP transport suited to long-lived responses:
//   - Connection pooling (100 idle connections, 10 per host)
//   - Timeouts for dial, TLS handshake, and idle connections
//   - No overall request timeout; a continuous feed lives until cancelled
type Client struct {
	httpClient *http.Client
	baseURL    string
	headers    map[string]string
	logger     *zap.Logger
}

// NewClient creates a new changes client.
//
// Example:
//
//	client := changes.NewClient(changes.WithBaseURL("http://localhost:5984"))
//	db := client.Database("orders")
func NewClient(opts ...ClientOption) *Client {
	cfg := &clientConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	httpClient := cfg.httpClient
	if httpClient == nil {
		transport := &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,

			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 0, // Feeds may wait for the first change
			ExpectContinueTimeout: 1 * time.Second,

			ForceAttemptHTTP2: true,
		}

		httpClient = &http.Client{
			Timeout:   0, // Feeds are bounded by their context, not a deadline
			Transport: transport,
		}
	}

	logger := cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(cfg.baseURL, "/"),
		headers:    cfg.headers,
		logger:     logger,
	}
}

// Database returns a handle to the named database.
// No network request is made until a feed is opened.
//
// The name can be:
//   - A database name: "orders" (escaped, so "team/orders" is one database)
//   - A full URL: "https://example.com/orders"
func (c *Client) Database(name string) *Database {
	fullURL := name
	if !strings.HasPrefix(name, "http://") && !strings.HasPrefix(name, "https://") {
		fullURL = c.baseURL + "/" + url.PathEscape(strings.TrimPrefix(name, "/"))
	}

	return &Database{
		name:   name,
		url:    strings.TrimSuffix(fullURL, "/"),
		client: c,
	}
}

// HTTPClient returns the underlying HTTP client.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}
