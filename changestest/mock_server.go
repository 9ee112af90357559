package changestest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Change is a document change to publish on a MockServer database.
type Change struct {
	ID      string
	Rev     string
	Deleted bool
	Doc     map[string]any
}

// Filter decides whether a change is reported to a filtered feed.
type Filter func(Change) bool

// MockServer is an in-memory document database serving /{db}/_changes.
// It's useful for testing feed consumers without a real database.
//
// Supported query parameters: feed=continuous, since (numeric or "now"),
// filter (registered with AddFilter), include_docs, heartbeat, limit.
type MockServer struct {
	server  *httptest.Server
	mu      sync.Mutex
	dbs     map[string]*mockDB
	filters map[string]Filter
	queries []url.Values
	closing chan struct{}
	once    sync.Once
}

// mockDB is one database's change history.
type mockDB struct {
	entries []entry
	seq     int
	// notify is closed and replaced whenever an entry is added.
	notify chan struct{}
}

type entry struct {
	seq    int
	change Change
	raw    string // sent verbatim when set
}

// NewMockServer creates and starts a new MockServer.
func NewMockServer() *MockServer {
	ms := &MockServer{
		dbs:     make(map[string]*mockDB),
		filters: make(map[string]Filter),
		closing: make(chan struct{}),
	}
	ms.server = httptest.NewServer(http.HandlerFunc(ms.handleRequest))
	return ms
}

// URL returns the base URL of the mock server.
func (ms *MockServer) URL() string {
	return ms.server.URL
}

// HTTPClient returns an HTTP client configured to use the mock server.
func (ms *MockServer) HTTPClient() *http.Client {
	return ms.server.Client()
}

// Close ends all open feeds and shuts down the server.
func (ms *MockServer) Close() {
	ms.once.Do(func() { close(ms.closing) })
	ms.server.CloseClientConnections()
	ms.server.Close()
}

// DropConnections abruptly closes every open client connection,
// simulating a network failure in the middle of a feed.
func (ms *MockServer) DropConnections() {
	ms.server.CloseClientConnections()
}

// CreateDatabase creates an empty database. Creating an existing database
// is a no-op.
func (ms *MockServer) CreateDatabase(name string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.dbs[name]; !ok {
		ms.dbs[name] = &mockDB{notify: make(chan struct{})}
	}
}

// AddChange appends a change to db and returns its sequence.
// Open continuous feeds receive it immediately.
func (ms *MockServer) AddChange(db string, c Change) int {
	return ms.add(db, entry{change: c})
}

// AddRawLine appends a line that is sent verbatim in place of a change
// record, for example a malformed line. It returns the line's sequence.
func (ms *MockServer) AddRawLine(db, line string) int {
	return ms.add(db, entry{raw: line})
}

func (ms *MockServer) add(db string, e entry) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	d, ok := ms.dbs[db]
	if !ok {
		d = &mockDB{notify: make(chan struct{})}
		ms.dbs[db] = d
	}
	d.seq++
	e.seq = d.seq
	d.entries = append(d.entries, e)

	close(d.notify)
	d.notify = make(chan struct{})
	return e.seq
}

// AddFilter registers a filter usable as filter=<name>.
func (ms *MockServer) AddFilter(name string, f Filter) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.filters[name] = f
}

// Queries returns the query parameters of every changes request received.
func (ms *MockServer) Queries() []url.Values {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]url.Values(nil), ms.queries...)
}

// handleRequest serves GET /{db}/_changes.
func (ms *MockServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET is supported")
		return
	}

	escaped, ok := strings.CutSuffix(r.URL.EscapedPath(), "/_changes")
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "Unknown path")
		return
	}
	name, err := url.PathUnescape(strings.TrimPrefix(escaped, "/"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid database name")
		return
	}

	query := r.URL.Query()

	ms.mu.Lock()
	ms.queries = append(ms.queries, query)
	db, ok := ms.dbs[name]
	var filter Filter
	if f := query.Get("filter"); f != "" {
		filter = ms.filters[f]
		if filter == nil {
			ms.mu.Unlock()
			writeError(w, http.StatusBadRequest, "bad_request", "filter "+f+" does not exist")
			return
		}
	}
	current := 0
	if ok {
		current = db.seq
	}
	ms.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "Database does not exist.")
		return
	}

	since := 0
	switch s := query.Get("since"); s {
	case "", "0":
	case "now":
		since = current
	default:
		since, err = strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "Malformed since")
			return
		}
	}

	limit, _ := strconv.Atoi(query.Get("limit"))
	heartbeat, _ := strconv.Atoi(query.Get("heartbeat"))

	ms.serveChanges(w, r, db, changesQuery{
		since:       since,
		limit:       limit,
		continuous:  query.Get("feed") == "continuous",
		includeDocs: query.Get("include_docs") == "true",
		heartbeat:   time.Duration(heartbeat) * time.Millisecond,
		filter:      filter,
	})
}

type changesQuery struct {
	since       int
	limit       int
	continuous  bool
	includeDocs bool
	heartbeat   time.Duration
	filter      Filter
}

// serveChanges streams change lines, one per line, then either ends with a
// last_seq line or, in continuous mode, waits for new changes.
func (ms *MockServer) serveChanges(w http.ResponseWriter, r *http.Request, db *mockDB, q changesQuery) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "must-revalidate")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var ticks <-chan time.Time
	if q.continuous && q.heartbeat > 0 {
		ticker := time.NewTicker(q.heartbeat)
		defer ticker.Stop()
		ticks = ticker.C
	}

	since, sent := q.since, 0
	for {
		ms.mu.Lock()
		var pending []entry
		for _, e := range db.entries {
			if e.seq > since {
				pending = append(pending, e)
			}
		}
		notify := db.notify
		ms.mu.Unlock()

		for _, e := range pending {
			since = e.seq
			if e.raw == "" && q.filter != nil && !q.filter(e.change) {
				continue
			}
			fmt.Fprintf(w, "%s\n", e.line(q.includeDocs))
			flusher.Flush()

			sent++
			if q.limit > 0 && sent >= q.limit {
				break
			}
		}

		if !q.continuous || (q.limit > 0 && sent >= q.limit) {
			fmt.Fprintf(w, "{\"last_seq\":%d}\n", since)
			flusher.Flush()
			return
		}

		select {
		case <-notify:
		case <-ticks:
			fmt.Fprint(w, "\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-ms.closing:
			return
		}
	}
}

func (e entry) line(includeDocs bool) string {
	if e.raw != "" {
		return e.raw
	}

	rec := record{
		Seq:     e.seq,
		ID:      e.change.ID,
		Changes: []revision{{Rev: e.change.Rev}},
		Deleted: e.change.Deleted,
	}
	if includeDocs {
		doc := map[string]any{"_id": e.change.ID, "_rev": e.change.Rev}
		for k, v := range e.change.Doc {
			doc[k] = v
		}
		if e.change.Deleted {
			doc["_deleted"] = true
		}
		rec.Doc = json.RawMessage(mustMarshal(doc))
	}
	return mustMarshal(rec)
}

func writeError(w http.ResponseWriter, status int, errName, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": errName, "reason": reason})
}
