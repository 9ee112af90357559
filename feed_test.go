package changes_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	changes "github.com/helun/Ektorp-sub001"
	"github.com/helun/Ektorp-sub001/changestest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Pooled client connections to httptest servers close asynchronously.
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

const waitTimeout = 5 * time.Second

func openFeed(t *testing.T, opts ...changes.FeedOption) (*changes.Feed, *changestest.Stream) {
	t.Helper()

	transport := changestest.NewTransport()
	feed, err := changes.Open(context.Background(), transport, changes.NewRequest(changes.Continuous()), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		feed.Cancel()
		waitDone(t, feed)
	})

	return feed, transport.Last()
}

func waitDone(t *testing.T, feed *changes.Feed) {
	t.Helper()
	select {
	case <-feed.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("feed did not terminate within %s (state %s)", waitTimeout, feed.State())
	}
}

func nextEvent(t *testing.T, feed *changes.Feed) *changes.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	ev, err := feed.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, ev)
	return ev
}

func requireInterrupted(t *testing.T, feed *changes.Feed) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	ev, err := feed.Next(ctx)
	require.Nil(t, ev)
	require.ErrorIs(t, err, changes.ErrInterrupted)
}

func TestFeedExampleScenario(t *testing.T) {
	req := changes.NewRequest(changes.Continuous(), changes.WithHeartbeat(5*time.Second))
	require.Equal(t, "feed=continuous&heartbeat=5000", req.Encode())

	transport := changestest.Body(
		`{"seq":1,"id":"d1","changes":[{"rev":"1-a"}]}`,
		``,
		`{"seq":2,"id":"d2","changes":[{"rev":"2-b"}],"deleted":true}`,
	)
	feed, err := changes.Open(context.Background(), transport, req)
	require.NoError(t, err)

	first := nextEvent(t, feed)
	require.Equal(t, changes.Sequence("1"), first.Seq())
	require.Equal(t, "d1", first.ID())
	require.False(t, first.Deleted())

	second := nextEvent(t, feed)
	require.Equal(t, changes.Sequence("2"), second.Seq())
	require.Equal(t, "d2", second.ID())
	require.True(t, second.Deleted())

	waitDone(t, feed)
	require.False(t, feed.IsAlive())
	require.Equal(t, changes.StateTerminated, feed.State())
	require.Equal(t, changes.ReasonEnded, feed.Reason())
	require.NoError(t, feed.Err())

	requireInterrupted(t, feed)
}

func TestFeedDeliversEventsInOrder(t *testing.T) {
	const n = 250

	feed, stream := openFeed(t, changes.WithQueueCapacity(7))
	require.True(t, feed.IsAlive())
	require.Equal(t, 7, feed.QueueCapacity())

	go func() {
		for i := 1; i <= n; i++ {
			if err := stream.WriteChange(i, fmt.Sprintf("doc-%d", i), "1-a", false); err != nil {
				return
			}
		}
		stream.End()
	}()

	for i := 1; i <= n; i++ {
		ev := nextEvent(t, feed)
		require.Equal(t, changes.Sequence(fmt.Sprint(i)), ev.Seq())
		require.Equal(t, fmt.Sprintf("doc-%d", i), ev.ID())
	}

	waitDone(t, feed)
	requireInterrupted(t, feed)
	require.Equal(t, changes.Sequence(fmt.Sprint(n)), feed.LastSeq())
}

func TestFeedConcurrentConsumersReceiveEachEventOnce(t *testing.T) {
	const (
		n         = 500
		consumers = 8
	)

	feed, stream := openFeed(t, changes.WithQueueCapacity(4))

	go func() {
		for i := 1; i <= n; i++ {
			if err := stream.WriteChange(i, fmt.Sprintf("doc-%d", i), "1-a", false); err != nil {
				return
			}
		}
		stream.End()
	}()

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for c := 0; c < consumers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ev, err := feed.Next(context.Background())
				if err != nil {
					return
				}
				mu.Lock()
				seen[ev.ID()]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, n)
	for id, count := range seen {
		require.Equal(t, 1, count, "event %s delivered more than once", id)
	}
}

func TestFeedHeartbeatsAreNotQueued(t *testing.T) {
	feed, stream := openFeed(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, stream.Heartbeat())
	}
	require.Equal(t, 0, feed.QueueSize())
	require.Nil(t, feed.Poll())

	require.NoError(t, stream.WriteChange(1, "d1", "1-a", false))
	ev := nextEvent(t, feed)
	require.Equal(t, "d1", ev.ID())

	require.NoError(t, stream.Heartbeat())
	require.Equal(t, 0, feed.QueueSize())
	require.True(t, feed.IsAlive())
}

func TestFeedCancelWakesAllBlockedConsumers(t *testing.T) {
	const consumers = 6

	feed, stream := openFeed(t)

	errs := make(chan error, consumers)
	for i := 0; i < consumers; i++ {
		go func() {
			_, err := feed.Next(context.Background())
			errs <- err
		}()
	}

	feed.Cancel()
	require.False(t, feed.IsAlive())

	for i := 0; i < consumers; i++ {
		select {
		case err := <-errs:
			require.ErrorIs(t, err, changes.ErrInterrupted)
		case <-time.After(waitTimeout):
			t.Fatalf("consumer %d still blocked after Cancel", i)
		}
	}

	waitDone(t, feed)
	require.Equal(t, changes.ReasonCancelled, feed.Reason())
	require.NoError(t, feed.Err())

	select {
	case <-stream.Closed():
	default:
		t.Fatal("stream was not closed by Cancel")
	}
}

func TestFeedCancelIsIdempotent(t *testing.T) {
	feed, _ := openFeed(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			feed.Cancel()
		}()
	}
	wg.Wait()

	waitDone(t, feed)
	feed.Cancel()

	require.Equal(t, changes.StateTerminated, feed.State())
	require.Equal(t, changes.ReasonCancelled, feed.Reason())
}

func TestFeedAfterTerminationDoesNotBlock(t *testing.T) {
	feed, err := changes.Open(context.Background(), changestest.Body(), changes.NewRequest())
	require.NoError(t, err)
	waitDone(t, feed)

	require.Nil(t, feed.Poll())

	start := time.Now()
	ev, err := feed.Next(context.Background())
	require.Nil(t, ev)
	require.ErrorIs(t, err, changes.ErrInterrupted)

	ev, err = feed.NextTimeout(time.Hour)
	require.Nil(t, ev)
	require.ErrorIs(t, err, changes.ErrInterrupted)
	require.Less(t, time.Since(start), time.Second)
}

func TestFeedMalformedLineFailsFeed(t *testing.T) {
	transport := changestest.Body(
		changestest.ChangeLine(1, "d1", "1-a", false),
		changestest.ChangeLine(2, "d2", "1-b", false),
		`{"seq":3,"id":`,
		changestest.ChangeLine(4, "d4", "1-d", false),
	)
	feed, err := changes.Open(context.Background(), transport, changes.NewRequest())
	require.NoError(t, err)
	waitDone(t, feed)

	require.False(t, feed.IsAlive())
	require.Equal(t, changes.ReasonFailed, feed.Reason())

	var de *changes.DecodeError
	require.ErrorAs(t, feed.Err(), &de)
	require.Equal(t, `{"seq":3,"id":`, de.Line)

	require.Equal(t, 2, feed.QueueSize())
	require.Equal(t, "d1", nextEvent(t, feed).ID())
	require.Equal(t, "d2", nextEvent(t, feed).ID())
	requireInterrupted(t, feed)
	require.Equal(t, changes.Sequence("2"), feed.LastSeq())
}

func TestFeedServerErrorLineFailsFeed(t *testing.T) {
	transport := changestest.Body(`{"error":"unauthorized","reason":"You are not allowed to access this db."}`)
	feed, err := changes.Open(context.Background(), transport, changes.NewRequest())
	require.NoError(t, err)
	waitDone(t, feed)

	require.Equal(t, changes.ReasonFailed, feed.Reason())
	var de *changes.DecodeError
	require.ErrorAs(t, feed.Err(), &de)
	requireInterrupted(t, feed)
}

func TestFeedTransportFailure(t *testing.T) {
	feed, stream := openFeed(t)
	resetErr := errors.New("connection reset by peer")

	require.NoError(t, stream.WriteChange(1, "d1", "1-a", false))
	require.NoError(t, stream.Fail(resetErr))
	waitDone(t, feed)

	require.Equal(t, changes.StateTerminated, feed.State())
	require.Equal(t, changes.ReasonFailed, feed.Reason())
	require.ErrorIs(t, feed.Err(), resetErr)

	require.Equal(t, "d1", nextEvent(t, feed).ID())
	requireInterrupted(t, feed)
}

func TestFeedLastSeqMarkerEndsFeed(t *testing.T) {
	transport := changestest.Body(
		`{"seq":"1-g1A","id":"d1","changes":[{"rev":"1-a"}]}`,
		`{"last_seq":"9-g1B","pending":0}`,
		changestest.ChangeLine(10, "ignored", "1-z", false),
	)
	feed, err := changes.Open(context.Background(), transport, changes.NewRequest(changes.WithSince("0")))
	require.NoError(t, err)
	waitDone(t, feed)

	require.Equal(t, changes.ReasonEnded, feed.Reason())
	require.Equal(t, changes.Sequence("9-g1B"), feed.LastSeq())

	require.Equal(t, changes.Sequence("1-g1A"), nextEvent(t, feed).Seq())
	requireInterrupted(t, feed)
}

func TestFeedBackpressureStallsReaderWithoutDropping(t *testing.T) {
	const (
		capacity = 3
		n        = 10
	)

	feed, stream := openFeed(t, changes.WithQueueCapacity(capacity))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for i := 1; i <= n; i++ {
			if err := stream.WriteChange(i, fmt.Sprintf("doc-%d", i), "1-a", false); err != nil {
				return
			}
		}
		stream.End()
	}()

	require.Eventually(t, func() bool { return feed.QueueSize() == capacity },
		waitTimeout, time.Millisecond)

	// The reader holds one more event and waits for room; the writer cannot
	// get further because nothing reads the stream.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, capacity, feed.QueueSize())
	require.True(t, feed.IsAlive())
	select {
	case <-writerDone:
		t.Fatal("writer finished although the queue is full")
	default:
	}

	for i := 1; i <= n; i++ {
		require.Equal(t, fmt.Sprintf("doc-%d", i), nextEvent(t, feed).ID())
	}

	<-writerDone
	waitDone(t, feed)
	requireInterrupted(t, feed)
}

func TestFeedCancelWhileReaderStalled(t *testing.T) {
	feed, stream := openFeed(t, changes.WithQueueCapacity(1))

	writeErr := make(chan error, 1)
	go func() {
		var err error
		for i := 1; i <= 5 && err == nil; i++ {
			err = stream.WriteChange(i, fmt.Sprintf("doc-%d", i), "1-a", false)
		}
		writeErr <- err
	}()

	require.Eventually(t, func() bool { return feed.QueueSize() == 1 }, waitTimeout, time.Millisecond)

	feed.Cancel()
	waitDone(t, feed)
	require.Equal(t, changes.ReasonCancelled, feed.Reason())

	require.ErrorIs(t, <-writeErr, io.ErrClosedPipe)

	// Events queued before the cancellation remain deliverable.
	require.Equal(t, "doc-1", nextEvent(t, feed).ID())
	requireInterrupted(t, feed)
}

func TestFeedCancelDiscardsBufferedLines(t *testing.T) {
	paused := make(chan struct{})
	resume := make(chan struct{})
	var once sync.Once

	// Hold the reader on the heartbeat between the two changes. The rest of
	// the body is already buffered, so only the cancel check can stop it.
	core, _ := observer.New(zap.DebugLevel)
	logger := zap.New(core, zap.Hooks(func(e zapcore.Entry) error {
		if e.Message == "heartbeat" {
			once.Do(func() {
				close(paused)
				<-resume
			})
		}
		return nil
	}))

	transport := changestest.Body(
		changestest.ChangeLine(1, "a", "1-a", false),
		"",
		changestest.ChangeLine(2, "b", "1-b", false),
	)
	feed, err := changes.Open(context.Background(), transport, changes.NewRequest(changes.Continuous()),
		changes.WithFeedLogger(logger))
	require.NoError(t, err)

	select {
	case <-paused:
	case <-time.After(waitTimeout):
		t.Fatal("reader never reached the heartbeat")
	}
	feed.Cancel()
	close(resume)
	waitDone(t, feed)

	require.Equal(t, changes.ReasonCancelled, feed.Reason())
	require.Equal(t, changes.Sequence("1"), feed.LastSeq())
	require.Equal(t, "a", nextEvent(t, feed).ID())
	requireInterrupted(t, feed)
}

func TestFeedParentContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	transport := changestest.NewTransport()

	feed, err := changes.Open(ctx, transport, changes.NewRequest(changes.Continuous()))
	require.NoError(t, err)

	blocked := make(chan error, 1)
	go func() {
		_, err := feed.Next(context.Background())
		blocked <- err
	}()

	cancel()
	waitDone(t, feed)

	require.Equal(t, changes.ReasonCancelled, feed.Reason())
	require.ErrorIs(t, <-blocked, changes.ErrInterrupted)
	<-transport.Last().Closed()
}

func TestFeedNextTimeoutAndPoll(t *testing.T) {
	feed, stream := openFeed(t)

	ev, err := feed.NextTimeout(20 * time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, ev)

	ev, err = feed.NextTimeout(0)
	require.NoError(t, err)
	require.Nil(t, ev)
	require.True(t, feed.IsAlive())

	require.NoError(t, stream.WriteChange(1, "d1", "1-a", false))
	require.Eventually(t, func() bool { return feed.QueueSize() == 1 }, waitTimeout, time.Millisecond)

	polled := feed.Poll()
	require.NotNil(t, polled)
	require.Equal(t, "d1", polled.ID())
	require.Nil(t, feed.Poll())

	go stream.WriteChange(2, "d2", "1-b", false)
	ev, err = feed.NextTimeout(waitTimeout)
	require.NoError(t, err)
	require.Equal(t, "d2", ev.ID())
}

func TestFeedNextHonoursCallerContext(t *testing.T) {
	feed, _ := openFeed(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ev, err := feed.Next(ctx)
	require.Nil(t, ev)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, feed.IsAlive(), "caller timeouts must not stop the feed")
}

func TestOpenReturnsTransportError(t *testing.T) {
	transport := changestest.NewTransport()
	openErr := errors.New("dial tcp: connection refused")
	transport.FailOpen(openErr)

	feed, err := changes.Open(context.Background(), transport, changes.NewRequest())
	require.ErrorIs(t, err, openErr)
	require.Nil(t, feed)
	require.Len(t, transport.Requests(), 1)
}

func TestFeedRequestAndIdentity(t *testing.T) {
	transport := changestest.NewTransport()
	req := changes.NewRequest(changes.Continuous(), changes.WithSince("5"))

	a, err := changes.Open(context.Background(), transport, req)
	require.NoError(t, err)
	b, err := changes.Open(context.Background(), transport, req.Resume("6"))
	require.NoError(t, err)
	defer func() {
		a.Cancel()
		b.Cancel()
		waitDone(t, a)
		waitDone(t, b)
	}()

	require.NotEmpty(t, a.ID())
	require.NotEqual(t, a.ID(), b.ID())
	require.Equal(t, req, a.Request())
	require.Equal(t, changes.Sequence("5"), a.LastSeq())

	requests := transport.Requests()
	require.Len(t, requests, 2)
	require.Equal(t, changes.Sequence("6"), requests[1].Since())
}

func TestFeedDefaultQueueCapacity(t *testing.T) {
	feed, _ := openFeed(t, changes.WithQueueCapacity(0))
	require.Equal(t, changes.DefaultQueueCapacity, feed.QueueCapacity())
}

func TestFeedAll(t *testing.T) {
	transport := changestest.Body(
		changestest.ChangeLine(1, "a", "1-a", false),
		"",
		changestest.ChangeLine(2, "b", "1-b", false),
		changestest.ChangeLine(3, "c", "1-c", true),
	)
	feed, err := changes.Open(context.Background(), transport, changes.NewRequest())
	require.NoError(t, err)

	var ids []string
	for ev, err := range feed.All(context.Background()) {
		require.NoError(t, err)
		ids = append(ids, ev.ID())
	}

	require.Equal(t, []string{"a", "b", "c"}, ids)
	waitDone(t, feed)
	require.Equal(t, changes.ReasonEnded, feed.Reason())
}
