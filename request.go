package changes

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Request describes one changes request.
// It is immutable once built; use NewRequest with RequestOptions to create one.
//
// Example:
//
//	req := changes.NewRequest(
//	    changes.Continuous(),
//	    changes.IncludeDocs(),
//	    changes.WithHeartbeat(5*time.Second),
//	)
//	fmt.Println(req.Encode()) // feed=continuous&include_docs=true&heartbeat=5000
type Request struct {
	since       Sequence
	continuous  bool
	filter      string
	includeDocs bool
	heartbeat   time.Duration
	limit       int
}

// NewRequest builds a Request from the given options.
// A request without options asks for a one-shot feed from the beginning.
func NewRequest(opts ...RequestOption) Request {
	var req Request
	for _, opt := range opts {
		opt(&req)
	}
	return req
}

// Since returns the since-cursor, or the zero Sequence if unset.
func (r Request) Since() Sequence { return r.since }

// IsContinuous reports whether the request asks for a continuous feed.
func (r Request) IsContinuous() bool { return r.continuous }

// Filter returns the filter function name, or "" if unset.
func (r Request) Filter() string { return r.filter }

// IncludesDocs reports whether documents are embedded in change records.
func (r Request) IncludesDocs() bool { return r.includeDocs }

// Heartbeat returns the heartbeat interval; 0 means disabled.
func (r Request) Heartbeat() time.Duration { return r.heartbeat }

// Limit returns the result limit; 0 means unbounded.
func (r Request) Limit() int { return r.limit }

// Resume returns a copy of the request starting after seq.
// Callers use it to reopen a feed from the last sequence they consumed.
func (r Request) Resume(seq Sequence) Request {
	r.since = seq
	return r
}

// Encode serializes the request as a query string.
//
// Parameters always appear in the same order (feed, since, filter,
// include_docs, heartbeat, limit) so that equal requests encode identically.
// Parameters left at their default are omitted.
func (r Request) Encode() string {
	var params []string
	add := func(key, value string) {
		params = append(params, key+"="+url.QueryEscape(value))
	}

	if r.continuous {
		add("feed", "continuous")
	}
	if !r.since.IsZero() {
		add("since", r.since.String())
	}
	if r.filter != "" {
		add("filter", r.filter)
	}
	if r.includeDocs {
		add("include_docs", "true")
	}
	if r.heartbeat > 0 {
		add("heartbeat", strconv.FormatInt(r.heartbeat.Milliseconds(), 10))
	}
	if r.limit > 0 {
		add("limit", strconv.Itoa(r.limit))
	}

	return strings.Join(params, "&")
}

// String returns the encoded query string.
func (r Request) String() string {
	return r.Encode()
}
