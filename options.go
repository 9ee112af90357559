package changes

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// DefaultQueueCapacity is the number of events a feed buffers before the
// reader stalls.
const DefaultQueueCapacity = 100

// =============================================================================
// Client Options
// =============================================================================

type clientConfig struct {
	httpClient *http.Client
	baseURL    string
	headers    map[string]string
	logger     *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

// WithHTTPClient sets a custom HTTP client.
// If not set, a default client tuned for long-lived streams is used.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cfg *clientConfig) {
		cfg.httpClient = c
	}
}

// WithBaseURL sets the server URL that database names are resolved against,
// for example "http://localhost:5984".
func WithBaseURL(url string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.baseURL = url
	}
}

// WithHeaders sets headers sent with every changes request.
func WithHeaders(headers map[string]string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.headers = headers
	}
}

// WithLogger sets the logger used by the client and the feeds it opens.
func WithLogger(l *zap.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = l
	}
}

// =============================================================================
// Request Options
// =============================================================================

// RequestOption configures a Request.
type RequestOption func(*Request)

// WithSince sets the sequence after which changes are reported.
func WithSince(seq Sequence) RequestOption {
	return func(r *Request) {
		r.since = seq
	}
}

// Continuous asks for a continuous feed that stays open after catching up.
func Continuous() RequestOption {
	return func(r *Request) {
		r.continuous = true
	}
}

// WithFilter sets the filter function, for example "app/important".
func WithFilter(name string) RequestOption {
	return func(r *Request) {
		r.filter = name
	}
}

// IncludeDocs asks the server to embed each changed document.
func IncludeDocs() RequestOption {
	return func(r *Request) {
		r.includeDocs = true
	}
}

// WithHeartbeat sets the interval at which the server sends empty lines
// while there are no changes. Zero or negative disables heartbeats.
// The interval is sent with millisecond precision.
func WithHeartbeat(d time.Duration) RequestOption {
	return func(r *Request) {
		r.heartbeat = d
	}
}

// WithLimit caps the number of changes returned. Zero or negative is unbounded.
func WithLimit(n int) RequestOption {
	return func(r *Request) {
		r.limit = n
	}
}

// =============================================================================
// Feed Options
// =============================================================================

type feedConfig struct {
	capacity int
	logger   *zap.Logger
	metrics  *Metrics
}

// FeedOption configures a Feed.
type FeedOption func(*feedConfig)

// WithQueueCapacity sets how many events are buffered before the reader
// stalls. Values below 1 select DefaultQueueCapacity.
func WithQueueCapacity(n int) FeedOption {
	return func(cfg *feedConfig) {
		cfg.capacity = n
	}
}

// WithFeedLogger sets the logger for a single feed.
func WithFeedLogger(l *zap.Logger) FeedOption {
	return func(cfg *feedConfig) {
		cfg.logger = l
	}
}

// WithMetrics records feed activity on m.
func WithMetrics(m *Metrics) FeedOption {
	return func(cfg *feedConfig) {
		cfg.metrics = m
	}
}
