package changes

import (
	"context"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// Database is a handle to one database on the server.
// It is a lightweight, reusable object, not a connection.
type Database struct {
	name   string
	url    string
	client *Client
}

// Name returns the name the handle was created with.
func (d *Database) Name() string {
	return d.name
}

// URL returns the database URL.
func (d *Database) URL() string {
	return d.url
}

// ChangesURL returns the URL of the changes endpoint for req.
func (d *Database) ChangesURL(req Request) string {
	u := d.url + "/_changes"
	if q := req.Encode(); q != "" {
		u += "?" + q
	}
	return u
}

// Open issues the changes request and returns the response body.
// Database implements Transport; most callers use Changes instead.
//
// The body is bound to ctx: cancelling ctx or closing the body aborts the
// request and releases the connection.
func (d *Database) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	changesURL := d.ChangesURL(req)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, changesURL, nil)
	if err != nil {
		return nil, newRequestError("changes", changesURL, 0, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range d.client.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := d.client.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, newRequestError("changes", changesURL, 0, err)
	}

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, newRequestError("changes", changesURL, resp.StatusCode, errorFromStatus(resp.StatusCode))
	}

	d.client.logger.Debug("changes request opened",
		zap.String("db", d.name),
		zap.String("query", req.Encode()))

	return resp.Body, nil
}

// Changes opens a feed of changes to the database.
// The feed runs until the server ends the response, Cancel is called, or ctx
// is cancelled.
//
// Example:
//
//	feed, err := db.Changes(ctx, changes.NewRequest(changes.Continuous()))
//	if err != nil {
//	    return err
//	}
//	defer feed.Cancel()
//
//	for {
//	    ev, err := feed.Next(ctx)
//	    if errors.Is(err, changes.ErrInterrupted) {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Println(ev.Seq(), ev.ID())
//	}
func (d *Database) Changes(ctx context.Context, req Request, opts ...FeedOption) (*Feed, error) {
	opts = append([]FeedOption{WithFeedLogger(d.client.logger.With(zap.String("db", d.name)))}, opts...)
	return Open(ctx, d, req, opts...)
}

// Ensure Database implements Transport
var _ Transport = (*Database)(nil)
