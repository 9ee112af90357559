// Package changestest provides testing utilities for changes feed consumers.
//
// # Transport
//
// Transport is a scripted changes.Transport backed by in-memory pipes. Each
// Open creates a Stream that the test writes lines to, in order, and ends or
// fails when it wants:
//
//	func TestConsumer(t *testing.T) {
//	    transport := changestest.NewTransport()
//
//	    feed, err := changes.Open(ctx, transport, changes.NewRequest(changes.Continuous()))
//	    if err != nil {
//	        t.Fatal(err)
//	    }
//	    defer feed.Cancel()
//
//	    stream := transport.Last()
//	    go func() {
//	        stream.WriteChange(1, "d1", "1-a", false)
//	        stream.Heartbeat()
//	        stream.End()
//	    }()
//
//	    ev, err := feed.Next(ctx)
//	    // ...
//	}
//
// # MockServer
//
// MockServer is an in-memory HTTP server exposing /{db}/_changes, with
// continuous feeds, heartbeats, since, limit, include_docs and filters:
//
//	server := changestest.NewMockServer()
//	defer server.Close()
//
//	server.CreateDatabase("orders")
//	server.AddChange("orders", changestest.Change{ID: "o1", Rev: "1-a"})
//
//	client := changes.NewClient(changes.WithBaseURL(server.URL()))
//	feed, err := client.Database("orders").Changes(ctx, changes.NewRequest())
package changestest
