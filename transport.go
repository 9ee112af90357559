package changes

import (
	"context"
	"io"
)

// Transport opens the byte stream behind a feed.
//
// Implementations must return a stream that stays open for as long as the
// server keeps a continuous feed running. Close must be safe to call while a
// Read is blocked, must unblock that Read, and must release the underlying
// connection. Cancelling ctx must also unblock a blocked Read.
//
// Database is the HTTP implementation.
type Transport interface {
	Open(ctx context.Context, req Request) (io.ReadCloser, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, req Request) (io.ReadCloser, error)

// Open calls f(ctx, req).
func (f TransportFunc) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	return f(ctx, req)
}
