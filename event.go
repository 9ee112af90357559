package changes

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Event is one change record read from a feed.
// Events are immutable; accessors return copies where the value is mutable.
type Event struct {
	seq     Sequence
	id      string
	rev     string
	deleted bool
	doc     string // raw JSON, "" when the record carried no document
}

// Seq returns the sequence token of the change.
func (e *Event) Seq() Sequence { return e.seq }

// ID returns the changed document's id.
func (e *Event) ID() string { return e.id }

// Rev returns the document revision after the change.
// It is empty if the record listed no revisions.
func (e *Event) Rev() string { return e.rev }

// Deleted reports whether the change deleted the document.
func (e *Event) Deleted() bool { return e.deleted }

// HasDoc reports whether the record embedded the document.
// Documents are embedded when the request used IncludeDocs.
func (e *Event) HasDoc() bool { return e.doc != "" }

// Doc returns a copy of the raw embedded document, or nil.
func (e *Event) Doc() []byte {
	if e.doc == "" {
		return nil
	}
	return []byte(e.doc)
}

// ParsedDoc returns the embedded document as a parsed tree.
// The result does not exist (Exists() == false) when no document was embedded.
//
// Example:
//
//	title := ev.ParsedDoc().Get("title").String()
func (e *Event) ParsedDoc() gjson.Result {
	if e.doc == "" {
		return gjson.Result{}
	}
	return gjson.Parse(e.doc)
}

// ErrNoDoc is returned by DecodeDoc when the record carried no document.
var ErrNoDoc = errors.New("changes: event has no embedded document")

// DecodeDoc unmarshals the embedded document into v.
//
// Example:
//
//	var post struct {
//	    Title string `json:"title"`
//	}
//	if err := ev.DecodeDoc(&post); err != nil {
//	    return err
//	}
func (e *Event) DecodeDoc(v any) error {
	if e.doc == "" {
		return ErrNoDoc
	}
	if err := json.Unmarshal([]byte(e.doc), v); err != nil {
		return fmt.Errorf("changes: decode doc %s: %w", e.id, err)
	}
	return nil
}

// String returns a short description of the change for logging.
func (e *Event) String() string {
	if e.deleted {
		return fmt.Sprintf("change %s: %s@%s (deleted)", e.seq, e.id, e.rev)
	}
	return fmt.Sprintf("change %s: %s@%s", e.seq, e.id, e.rev)
}
