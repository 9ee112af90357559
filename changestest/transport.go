package changestest

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	changes "github.com/helun/Ektorp-sub001"
)

// Transport is a changes.Transport whose streams are written by the test.
// It records every request it is asked to open.
type Transport struct {
	mu       sync.Mutex
	requests []changes.Request
	streams  []*Stream
	openErr  error
}

// NewTransport creates a new Transport.
func NewTransport() *Transport {
	return &Transport{}
}

// FailOpen makes subsequent Open calls return err. Pass nil to undo.
func (t *Transport) FailOpen(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.openErr = err
}

// Open implements changes.Transport.
func (t *Transport) Open(ctx context.Context, req changes.Request) (io.ReadCloser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.requests = append(t.requests, req)
	if t.openErr != nil {
		return nil, t.openErr
	}

	pr, pw := io.Pipe()
	s := &Stream{
		reader: pr,
		writer: pw,
		closed: make(chan struct{}),
	}
	t.streams = append(t.streams, s)
	return s, nil
}

// Requests returns all requests passed to Open.
func (t *Transport) Requests() []changes.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]changes.Request(nil), t.requests...)
}

// Last returns the most recently opened stream, or nil.
func (t *Transport) Last() *Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.streams) == 0 {
		return nil
	}
	return t.streams[len(t.streams)-1]
}

// Stream is one opened stream. The feed reads it; the test writes it.
//
// Writes block until the feed has read them, so a test can tell exactly how
// far the reader got.
type Stream struct {
	reader    *io.PipeReader
	writer    *io.PipeWriter
	closeOnce sync.Once
	closed    chan struct{}
}

// Read implements io.Reader for the feed side.
func (s *Stream) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

// Close implements io.Closer for the feed side. It unblocks a pending Read
// and makes further test writes fail with io.ErrClosedPipe.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return s.reader.Close()
}

// Closed returns a channel that is closed once the feed closes the stream.
func (s *Stream) Closed() <-chan struct{} {
	return s.closed
}

// WriteLine writes line followed by a newline.
func (s *Stream) WriteLine(line string) error {
	_, err := io.WriteString(s.writer, line+"\n")
	return err
}

// WriteLines writes each line in order, stopping at the first error.
func (s *Stream) WriteLines(lines ...string) error {
	for _, line := range lines {
		if err := s.WriteLine(line); err != nil {
			return err
		}
	}
	return nil
}

// WriteChange writes a change record for a document.
func (s *Stream) WriteChange(seq int, id, rev string, deleted bool) error {
	return s.WriteLine(ChangeLine(seq, id, rev, deleted))
}

// Heartbeat writes an empty line.
func (s *Stream) Heartbeat() error {
	return s.WriteLine("")
}

// End ends the stream normally; the feed sees end of input.
func (s *Stream) End() error {
	return s.writer.Close()
}

// Fail ends the stream with err; the feed sees err from Read.
func (s *Stream) Fail(err error) error {
	return s.writer.CloseWithError(err)
}

// ChangeLine formats a change record as sent by the server.
func ChangeLine(seq int, id, rev string, deleted bool) string {
	return mustMarshal(record{
		Seq:     seq,
		ID:      id,
		Changes: []revision{{Rev: rev}},
		Deleted: deleted,
	})
}

// mustMarshal encodes v and panics if it cannot be encoded.
func mustMarshal(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic("changestest: encoding record: " + err.Error())
	}
	return string(data)
}

// Body returns a Transport that serves the given lines, newline terminated,
// and then ends. Every Open serves the same body.
func Body(lines ...string) changes.Transport {
	body := strings.Join(lines, "\n") + "\n"
	return changes.TransportFunc(func(context.Context, changes.Request) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(body)), nil
	})
}

type revision struct {
	Rev string `json:"rev"`
}

type record struct {
	Seq     int             `json:"seq"`
	ID      string          `json:"id"`
	Changes []revision      `json:"changes"`
	Deleted bool            `json:"deleted,omitempty"`
	Doc     json.RawMessage `json:"doc,omitempty"`
}

var _ changes.Transport = (*Transport)(nil)
