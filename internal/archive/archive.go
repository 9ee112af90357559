// Package archive keeps the latest change of every document seen on a feed in
// a bbolt database file.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	changes "github.com/helun/Ektorp-sub001"
)

var (
	// ErrNotFound is returned by Get for a document that is not archived.
	ErrNotFound = errors.New("archive: document not found")

	// ErrClosed is returned by operations on a closed Store.
	ErrClosed = errors.New("archive: store is closed")
)

var (
	docsBucket = []byte("docs")
	// prunedBucket maps the id of a pruned document to its deleting revision.
	prunedBucket = []byte("pruned")
)

// Record is the archived state of one document.
type Record struct {
	ID         string          `json:"id"`
	Seq        string          `json:"seq"`
	Rev        string          `json:"rev"`
	Deleted    bool            `json:"deleted,omitempty"`
	Doc        json.RawMessage `json:"doc,omitempty"`
	ArchivedAt time.Time       `json:"archived_at"`
}

// Options configures a Store.
type Options struct {
	// PruneDeleted removes a document from the archive when a change marks
	// it deleted, instead of keeping a tombstone record.
	PruneDeleted bool
}

// Store is a bbolt-backed archive. It is safe for concurrent use.
type Store struct {
	db     *bbolt.DB
	opts   Options
	mu     sync.RWMutex
	path   string
	closed bool
}

// Open opens or creates the archive file at path.
func Open(path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{docsBucket, prunedBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:   db,
		opts: opts,
		path: path,
	}, nil
}

// Put archives ev unless a newer revision of the same document is already
// stored. Concurrent consumers may deliver changes of one document out of
// order; the revision generation decides which one wins.
//
// A deleted change removes the document when PruneDeleted is set. The
// deleting revision is still remembered, so an older change arriving later
// does not bring the document back.
func (s *Store) Put(ev *changes.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	rec := Record{
		ID:         ev.ID(),
		Seq:        ev.Seq().String(),
		Rev:        ev.Rev(),
		Deleted:    ev.Deleted(),
		Doc:        ev.Doc(),
		ArchivedAt: time.Now().UTC(),
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(docsBucket)
		pruned := tx.Bucket(prunedBucket)
		key := []byte(rec.ID)

		if existing := b.Get(key); existing != nil {
			var stored Record
			if err := json.Unmarshal(existing, &stored); err == nil && revGeneration(stored.Rev) > revGeneration(rec.Rev) {
				return nil
			}
		}
		if rev := pruned.Get(key); rev != nil && revGeneration(string(rev)) > revGeneration(rec.Rev) {
			return nil
		}

		if rec.Deleted && s.opts.PruneDeleted {
			if err := b.Delete(key); err != nil {
				return err
			}
			return pruned.Put(key, []byte(rec.Rev))
		}

		if err := pruned.Delete(key); err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		return b.Put(key, data)
	})
}

// Get returns the archived record for a document id.
func (s *Store) Get(id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	var rec *Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(docsBucket).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}

		// Unmarshal copies; data is only valid during the transaction.
		rec = &Record{}
		if err := json.Unmarshal(data, rec); err != nil {
			return fmt.Errorf("failed to unmarshal record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Count returns the number of archived documents.
func (s *Store) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}

	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(docsBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// ForEach calls fn for every archived record in document id order.
func (s *Store) ForEach(fn func(*Record) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(docsBucket).ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal record: %w", err)
			}
			return fn(&rec)
		})
	})
}

// Path returns the archive file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the archive. Closing twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// revGeneration returns the numeric prefix of a "N-hash" revision, or 0.
func revGeneration(rev string) int {
	gen, _, _ := strings.Cut(rev, "-")
	n, err := strconv.Atoi(gen)
	if err != nil {
		return 0
	}
	return n
}
