//go:build go1.23

package changes

import (
	"context"
	"errors"
	"iter"
)

// All returns an iterator over the feed's events.
// Use with Go 1.23+ for range syntax:
//
//	for ev, err := range feed.All(ctx) {
//	    if err != nil {
//	        return err
//	    }
//	    process(ev)
//	}
//
// Iteration ends without an error when the feed stops and its queue is
// drained; check feed.Reason afterwards. If ctx ends first, ctx.Err() is
// yielded once. Breaking out of the loop does not cancel the feed.
func (f *Feed) All(ctx context.Context) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		for {
			ev, err := f.Next(ctx)
			if errors.Is(err, ErrInterrupted) {
				return
			}
			if !yield(ev, err) {
				return
			}
			if err != nil {
				return
			}
		}
	}
}
