// Package changes consumes a document database's continuous changes feed.
//
// A feed turns the long-lived, newline-delimited JSON response of a
// database's _changes endpoint into an ordered, bounded queue of change
// events that any number of goroutines can consume. Empty lines are
// heartbeats and are never delivered.
//
// # Basic Usage
//
// Create a client and a database handle:
//
//	client := changes.NewClient(changes.WithBaseURL("http://localhost:5984"))
//	db := client.Database("orders")
//
// Open a continuous feed:
//
//	req := changes.NewRequest(
//	    changes.Continuous(),
//	    changes.IncludeDocs(),
//	    changes.WithHeartbeat(5*time.Second),
//	)
//	feed, err := db.Changes(ctx, req)
//	if err != nil {
//	    return err
//	}
//	defer feed.Cancel()
//
// Consume events:
//
//	for {
//	    ev, err := feed.Next(ctx)
//	    if errors.Is(err, changes.ErrInterrupted) {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Println(ev.Seq(), ev.ID(), ev.Rev(), ev.Deleted())
//	}
//
// # Termination
//
// A feed stops when the server ends the response, when a line cannot be
// decoded or the stream fails, or when Cancel is called. Consumers see the
// same ErrInterrupted in every case once queued events are drained; the
// reason is available separately:
//
//	switch feed.Reason() {
//	case changes.ReasonEnded:
//	    // server closed the response
//	case changes.ReasonFailed:
//	    log.Println("feed failed:", feed.Err())
//	}
//
// Feeds never reconnect on their own. To continue after a failure, open a new
// feed from the last sequence you processed:
//
//	feed, err = db.Changes(ctx, req.Resume(lastSeq))
//
// # Backpressure
//
// Each feed buffers at most WithQueueCapacity events (default 100). When the
// buffer is full the reader stops reading the stream until a consumer makes
// room; events are never dropped.
package changes
