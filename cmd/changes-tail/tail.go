package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	changes "github.com/helun/Ektorp-sub001"
	"github.com/helun/Ektorp-sub001/internal/archive"
)

// tailer runs feeds one after another, reopening after failures when
// reconnect is enabled, and hands every event to its consumers.
type tailer struct {
	cfg     config
	db      *changes.Database
	logger  *zap.Logger
	archive *archive.Store
	metrics *changes.Metrics

	mu  sync.Mutex
	enc *json.Encoder

	initialInterval time.Duration
}

// outputLine is what gets written for each change.
type outputLine struct {
	Seq     changes.Sequence `json:"seq"`
	ID      string           `json:"id"`
	Rev     string           `json:"rev,omitempty"`
	Deleted bool             `json:"deleted,omitempty"`
	Doc     json.RawMessage  `json:"doc,omitempty"`
}

func newTailer(cfg config, out io.Writer, logger *zap.Logger) *tailer {
	client := changes.NewClient(
		changes.WithBaseURL(cfg.URL),
		changes.WithLogger(logger),
	)
	return &tailer{
		cfg:             cfg,
		db:              client.Database(cfg.DB),
		logger:          logger,
		enc:             json.NewEncoder(out),
		initialInterval: 500 * time.Millisecond,
	}
}

// run follows the feed until it ends, ctx is cancelled, or a failure is not
// retried. Cancellation is a clean exit.
func (t *tailer) run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = t.initialInterval
	policy.MaxElapsedTime = t.cfg.ReconnectTimeout

	req := t.cfg.request()
	err := backoff.RetryNotify(func() error {
		feed, err := t.db.Changes(ctx, req,
			changes.WithQueueCapacity(t.cfg.Queue),
			changes.WithMetrics(t.metrics))
		if err != nil {
			if ctx.Err() != nil || !t.retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}

		delivered, err := t.consume(feed)
		if err != nil {
			return backoff.Permanent(err)
		}

		// Consumers drained the queue, so LastSeq is the last change written.
		req = req.Resume(feed.LastSeq())
		if delivered > 0 {
			policy.Reset()
		}

		if feed.Reason() == changes.ReasonFailed {
			if !t.cfg.Reconnect || ctx.Err() != nil {
				return backoff.Permanent(feed.Err())
			}
			return feed.Err()
		}
		return nil
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		t.logger.Warn("feed failed, reconnecting",
			zap.Error(err),
			zap.String("since", req.Since().String()),
			zap.Duration("wait", wait))
	})

	if ctx.Err() != nil {
		return nil
	}
	return err
}

// retryable reports whether opening the feed may succeed on a later attempt.
func (t *tailer) retryable(err error) bool {
	if !t.cfg.Reconnect {
		return false
	}
	var re *changes.RequestError
	if errors.As(err, &re) && re.StatusCode >= http.StatusBadRequest && re.StatusCode < http.StatusInternalServerError {
		return false
	}
	return true
}

// consume runs the configured number of consumers until the feed is drained.
// An output or archive error cancels the feed.
func (t *tailer) consume(feed *changes.Feed) (int, error) {
	var (
		g         errgroup.Group
		mu        sync.Mutex
		delivered int
	)

	for i := 0; i < t.cfg.Consumers; i++ {
		g.Go(func() error {
			for {
				ev, err := feed.Next(context.Background())
				if errors.Is(err, changes.ErrInterrupted) {
					return nil
				}
				if err != nil {
					return err
				}

				if err := t.handle(ev); err != nil {
					feed.Cancel()
					return err
				}

				mu.Lock()
				delivered++
				mu.Unlock()
			}
		})
	}

	err := g.Wait()
	return delivered, err
}

func (t *tailer) handle(ev *changes.Event) error {
	if t.archive != nil {
		if err := t.archive.Put(ev); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enc.Encode(outputLine{
		Seq:     ev.Seq(),
		ID:      ev.ID(),
		Rev:     ev.Rev(),
		Deleted: ev.Deleted(),
		Doc:     ev.Doc(),
	})
}
