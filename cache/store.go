package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrTableNotFound is returned when operating on a table that was never opened.
var ErrTableNotFound = errors.New("cache table not found")

// Tier tells which kind of table an entry was written to.
type Tier string

const (
	TierStatic  Tier = "static"
	TierDynamic Tier = "dynamic"
	TierEdge    Tier = "edge"
)

// Entry is a stored response.
// Entries are only ever created from successful (2xx) responses.
type Entry struct {
	Status   int         `msgpack:"status" cbor:"1,keyasint"`
	Header   http.Header `msgpack:"header" cbor:"2,keyasint"`
	Body     []byte      `msgpack:"body" cbor:"3,keyasint"`
	Tier     Tier        `msgpack:"tier" cbor:"4,keyasint"`
	StoredAt time.Time   `msgpack:"stored_at" cbor:"5,keyasint"`
}

// Clone returns a deep copy of the entry.
// Stores hand out clones so that callers can never edit a stored entry in place.
func (e Entry) Clone() Entry {
	c := e
	c.Header = e.Header.Clone()
	if e.Body != nil {
		c.Body = append([]byte(nil), e.Body...)
	}
	return c
}

// Table is a named mapping from request identity (see pkg/cache-key) to entry.
//
// Implementations must be safe for concurrent use.
// Put and Delete are atomic per key: readers see either the old or the new entry.
type Table interface {
	// Name returns the name the table was opened with.
	Name() string
	// Get returns the entry stored under key, and whether it was found.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Put stores the entry under key, replacing any previous entry.
	// A zero StoredAt is set to the current time.
	Put(ctx context.Context, key string, e Entry) error
	// Delete removes the entry under key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// Keys lists all keys of the table, in no particular order.
	Keys(ctx context.Context) ([]string, error)
}

// Store holds named tables. A single store is shared by every request handler of the process.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Open returns the named table, creating it if it does not exist.
	Open(ctx context.Context, name string) (Table, error)
	// Has reports whether a table with that name exists.
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes a table with all of its entries and reports whether it existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Names lists the table names in creation order.
	Names(ctx context.Context) ([]string, error)
	// Match looks the key up in every table, in creation order,
	// and returns the first entry found.
	Match(ctx context.Context, key string) (Entry, bool, error)
	// Purge deletes key from every table and returns how many tables held it.
	Purge(ctx context.Context, key string) (int, error)
	// Close releases the resources of the store.
	Close() error
}

func stamp(e Entry) Entry {
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now()
	}
	return e
}
