package changes

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/helun/Ektorp-sub001/internal/ndjson"
)

// Feed is an open changes feed.
//
// A single reader goroutine reads the stream, decodes each change line and
// queues the resulting events in order. Any number of goroutines may consume
// events with Next, NextTimeout or Poll; callers need no extra locking.
//
// When the queue is full the reader stops reading until a consumer makes
// room, so no change is ever dropped.
//
// Once the feed stops (server end of stream, error, or Cancel), queued events
// are still delivered in order; after that Next returns ErrInterrupted to
// every waiting and future caller. Reason and Err tell why the feed stopped.
// A stopped feed cannot be restarted; open a new one with
// Request.Resume(lastConsumedSeq).
type Feed struct {
	id      string
	req     Request
	stream  io.ReadCloser
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
	metrics *Metrics

	// events is written only by the reader goroutine, which closes it on
	// exit. Closing wakes every blocked receiver.
	events chan *Event
	done   chan struct{}

	cancelled atomic.Bool
	closeOnce sync.Once

	mu      sync.Mutex
	state   State
	reason  Reason
	err     error
	lastSeq Sequence
}

// Open opens the stream for req on t and starts reading it.
//
// An error opening the stream is returned directly and no feed is created.
// Cancelling ctx cancels the feed.
func Open(ctx context.Context, t Transport, req Request, opts ...FeedOption) (*Feed, error) {
	cfg := &feedConfig{
		capacity: DefaultQueueCapacity,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.capacity < 1 {
		cfg.capacity = DefaultQueueCapacity
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	feedCtx, cancel := context.WithCancel(ctx)
	stream, err := t.Open(feedCtx, req)
	if err != nil {
		cancel()
		return nil, err
	}

	id := uuid.NewString()
	f := &Feed{
		id:      id,
		req:     req,
		stream:  stream,
		ctx:     feedCtx,
		cancel:  cancel,
		logger:  cfg.logger.With(zap.String("feed_id", id)),
		metrics: cfg.metrics,
		events:  make(chan *Event, cfg.capacity),
		done:    make(chan struct{}),
		state:   StateStarting,
		lastSeq: req.Since(),
	}

	// Transports are required to honour ctx, but closing the stream as well
	// guarantees a blocked read returns.
	stopClose := context.AfterFunc(feedCtx, f.closeStream)

	f.logger.Debug("feed started",
		zap.String("since", req.Since().String()),
		zap.Bool("continuous", req.IsContinuous()),
		zap.Int("queue_capacity", cfg.capacity))
	f.metrics.feedStarted()

	f.mu.Lock()
	f.state = StateActive
	f.mu.Unlock()

	go f.run(stopClose)
	return f, nil
}

// run is the reader loop. It owns the stream and is the only writer of events.
func (f *Feed) run(stopClose func() bool) {
	var (
		reason Reason
		err    error
	)
	defer func() {
		stopClose()
		f.finish(reason, err)
	}()

	parser := ndjson.NewParser(f.stream)
	for {
		if f.stopping() {
			reason = ReasonCancelled
			return
		}
		line, readErr := parser.Next()
		if readErr != nil {
			switch {
			case f.stopping():
				reason = ReasonCancelled
			case errors.Is(readErr, io.EOF):
				reason = ReasonEnded
			default:
				reason, err = ReasonFailed, readErr
			}
			return
		}

		switch l := line.(type) {
		case ndjson.Heartbeat:
			f.logger.Debug("heartbeat")
			f.metrics.heartbeat()

		case ndjson.Record:
			ev, seq, decodeErr := decodeLine(l.Data)
			if decodeErr != nil {
				if f.stopping() {
					reason = ReasonCancelled
				} else {
					reason, err = ReasonFailed, decodeErr
				}
				return
			}
			if ev == nil {
				// last_seq marker: the server is done with this response.
				f.setLastSeq(seq)
				reason = ReasonEnded
				return
			}
			if !f.enqueue(ev) {
				reason = ReasonCancelled
				return
			}
			f.setLastSeq(ev.seq)
			f.metrics.event()
		}
	}
}

// enqueue blocks until ev is queued or the feed is stopping.
// Nothing is queued once Cancel has been called.
func (f *Feed) enqueue(ev *Event) bool {
	if f.stopping() {
		return false
	}
	select {
	case f.events <- ev:
		return true
	default:
	}

	f.logger.Debug("queue full, reader waiting", zap.Int("queue_capacity", cap(f.events)))
	f.metrics.queueFull()

	select {
	case f.events <- ev:
		return true
	case <-f.ctx.Done():
		return false
	}
}

// finish moves the feed through its terminal states and wakes all consumers.
func (f *Feed) finish(reason Reason, err error) {
	f.closeStream()
	f.cancel()

	f.mu.Lock()
	switch reason {
	case ReasonFailed:
		f.state = StateFailed
	case ReasonEnded:
		f.state = StateEOFClosed
	default:
		f.state = StateCancelling
	}
	f.reason = reason
	f.err = err
	lastSeq := f.lastSeq
	f.mu.Unlock()

	fields := []zap.Field{
		zap.Stringer("reason", reason),
		zap.String("last_seq", lastSeq.String()),
		zap.Int("queued", len(f.events)),
	}
	if reason == ReasonFailed {
		f.logger.Error("feed failed", append(fields, zap.Error(err))...)
	} else {
		f.logger.Info("feed stopped", fields...)
	}

	close(f.events)

	f.mu.Lock()
	f.state = StateTerminated
	f.mu.Unlock()

	f.metrics.feedTerminated(reason)
	close(f.done)
}

func (f *Feed) stopping() bool {
	return f.cancelled.Load() || f.ctx.Err() != nil
}

func (f *Feed) closeStream() {
	f.closeOnce.Do(func() {
		if err := f.stream.Close(); err != nil {
			f.logger.Debug("closing stream", zap.Error(err))
		}
	})
}

func (f *Feed) setLastSeq(seq Sequence) {
	f.mu.Lock()
	f.lastSeq = seq
	f.mu.Unlock()
}

// Next returns the next event, blocking until one is available.
//
// It returns ErrInterrupted once the feed has stopped and every queued event
// has been delivered, including when the feed stops while Next is waiting.
// It returns ctx.Err() if ctx ends first.
func (f *Feed) Next(ctx context.Context) (*Event, error) {
	select {
	case ev, ok := <-f.events:
		return received(ev, ok)
	default:
	}

	select {
	case ev, ok := <-f.events:
		return received(ev, ok)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NextTimeout is like Next but waits at most d.
// It returns (nil, nil) if no event arrived in time.
func (f *Feed) NextTimeout(d time.Duration) (*Event, error) {
	select {
	case ev, ok := <-f.events:
		return received(ev, ok)
	default:
	}
	if d <= 0 {
		return nil, nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case ev, ok := <-f.events:
		return received(ev, ok)
	case <-timer.C:
		return nil, nil
	}
}

// Poll returns the next event if one is queued, or nil.
// It never blocks and does not distinguish an empty queue from a stopped
// feed; use IsAlive or Next for that.
func (f *Feed) Poll() *Event {
	select {
	case ev, ok := <-f.events:
		if ok {
			return ev
		}
	default:
	}
	return nil
}

func received(ev *Event, ok bool) (*Event, error) {
	if !ok {
		return nil, ErrInterrupted
	}
	return ev, nil
}

// Cancel stops the feed.
// It aborts the stream, which unblocks the reader; all waiting and future
// Next calls then return ErrInterrupted once queued events are consumed.
// Cancel is safe to call from any goroutine, any number of times.
func (f *Feed) Cancel() {
	if f.cancelled.Swap(true) {
		return
	}

	f.mu.Lock()
	if f.state == StateStarting || f.state == StateActive {
		f.state = StateCancelling
	}
	f.mu.Unlock()

	f.logger.Debug("feed cancel requested")
	f.cancel()
	f.closeStream()
}

// Done returns a channel that is closed when the feed reaches StateTerminated.
func (f *Feed) Done() <-chan struct{} {
	return f.done
}

// IsAlive reports whether the reader is running in StateActive.
func (f *Feed) IsAlive() bool {
	return f.State() == StateActive
}

// State returns the current lifecycle state.
func (f *Feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Reason returns why the feed stopped, or ReasonNone while it runs.
func (f *Feed) Reason() Reason {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}

// Err returns the error that stopped the feed when Reason is ReasonFailed.
// It is a *DecodeError for an undecodable line, otherwise the transport's
// read error.
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// LastSeq returns the sequence of the last event queued by the reader, or
// the server's last_seq marker once received. Before any event it is the
// request's since-cursor.
//
// Events still queued have not been consumed; to resume without gaps, reopen
// from the last sequence your consumers processed.
func (f *Feed) LastSeq() Sequence {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSeq
}

// QueueSize returns the number of events currently buffered.
func (f *Feed) QueueSize() int {
	return len(f.events)
}

// QueueCapacity returns the maximum number of buffered events.
func (f *Feed) QueueCapacity() int {
	return cap(f.events)
}

// ID returns the feed's unique id, as used in log fields.
func (f *Feed) ID() string {
	return f.id
}

// Request returns the request the feed was opened with.
func (f *Feed) Request() Request {
	return f.req
}
