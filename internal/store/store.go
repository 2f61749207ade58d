// Package store defines the document-store contract the dispatcher is
// built against, independent of whichever backing store implements it.
package store

import (
	"context"
	"errors"
)

// Sentinel errors the Dispatcher checks for with errors.Is. Adapters
// wrap these with context via fmt.Errorf("...: %w", ...).
var (
	// ErrNotFound is returned by Get when no record exists for an id.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned by Put/Update on an optimistic-concurrency clash.
	ErrConflict = errors.New("store: conflict")
	// ErrTransient marks a failure the caller should retry with backoff.
	ErrTransient = errors.New("store: transient failure")
	// ErrFatal marks a failure that will not succeed on retry.
	ErrFatal = errors.New("store: fatal failure")
)

// Record is an opaque document as stored: a string-keyed field map.
// The Dispatcher only ever reads/writes the named top-level fields in
// spec.md §6; everything else passes through untouched.
type Record map[string]any

// Query is a closed set of filter terms the Dispatcher issues. It is
// intentionally narrow — not a general query DSL — mirroring the two
// fixed shapes named in spec.md §6 ("Queries the dispatcher issues").
type Query struct {
	// Equals lists field == value filters (e.g. "name" == taskName).
	Equals map[string]any
	// MustNotExist lists fields that must be absent (e.g. "annotations").
	MustNotExist []string
	// MustExist lists fields that must be present.
	MustExist []string
	// LessThan is an optional field < value filter (e.g. numValidAnnotations < N).
	LessThan map[string]any
	// GreaterThan is an optional field > value filter.
	GreaterThan map[string]any
	// SortByAsc, when non-empty, orders results by this field ascending.
	SortByAsc string
}

// Page is one window of a paged Search.
type Page struct {
	Records []Record
	// Total is the number of records matched server-side, when the
	// adapter can report it cheaply; -1 if unknown.
	Total int
}

// Cursor streams matches of a Scan lazily; callers must call Close.
type Cursor interface {
	// Next advances the cursor. It returns false when exhausted or on
	// error; callers must check Err after a false return.
	Next(ctx context.Context) bool
	Record() Record
	Err() error
	Close() error
}

// Adapter is the thin contract over the document store that the
// Dispatcher and Seeder are built against (spec.md §4.1). All
// operations are synchronous from the caller's perspective; callers
// treat them as potentially blocking I/O and pass a context for
// cancellation/timeouts.
type Adapter interface {
	// EnsureSchema idempotently creates the index/type and installs
	// the documented field mapping if absent.
	EnsureSchema(ctx context.Context, index, typ string) error

	// Get fetches one record by id. Returns ErrNotFound if absent.
	Get(ctx context.Context, index, typ, id string) (Record, error)

	// Put creates or overwrites a record wholesale.
	Put(ctx context.Context, index, typ, id string, body Record) error

	// Update performs a shallow merge of the named top-level fields
	// in patch into the existing record.
	Update(ctx context.Context, index, typ, id string, patch Record) error

	// Search returns one cursored window of matches.
	Search(ctx context.Context, index, typ string, q Query, from, size int) (Page, error)

	// Scan streams all matches of q, stable within one scan.
	Scan(ctx context.Context, index, typ string, q Query) (Cursor, error)

	// BulkIndex batch-inserts records, keyed by id, for the seeder.
	BulkIndex(ctx context.Context, index, typ string, records map[string]Record) error
}
