// Package memstore is an in-memory implementation of store.Adapter used
// by dispatcher tests so the concurrency and property tests in
// internal/dispatcher run fast and deterministic without a live
// Postgres instance. It is the "single alternate implementation"
// counterpart to store/postgres, the same shape other_examples'
// annotations Store interface takes with its one FileStore.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/goldfish-inc/oceanid/annotation-dispatcher/internal/store"
)

type key struct {
	index string
	typ   string
	id    string
}

// Store is a mutex-guarded map keyed by (index, type, id).
type Store struct {
	mu      sync.Mutex
	records map[key]store.Record
	order   []key // insertion order, for stable Search/Scan iteration
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{records: make(map[key]store.Record)}
}

var _ store.Adapter = (*Store)(nil)

func (s *Store) EnsureSchema(ctx context.Context, index, typ string) error {
	return nil
}

func (s *Store) Get(ctx context.Context, index, typ, id string) (store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key{index, typ, id}]
	if !ok {
		return nil, fmt.Errorf("memstore: get %s/%s/%s: %w", index, typ, id, store.ErrNotFound)
	}
	out := cloneRecord(rec)
	out["id"] = id
	return out, nil
}

func (s *Store) Put(ctx context.Context, index, typ, id string, body store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{index, typ, id}
	if _, exists := s.records[k]; !exists {
		s.order = append(s.order, k)
	}
	s.records[k] = cloneRecord(body)
	return nil
}

func (s *Store) Update(ctx context.Context, index, typ, id string, patch store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{index, typ, id}
	rec, ok := s.records[k]
	if !ok {
		return fmt.Errorf("memstore: update %s/%s/%s: %w", index, typ, id, store.ErrNotFound)
	}
	merged := cloneRecord(rec)
	for field, value := range patch {
		merged[field] = value
	}
	s.records[k] = merged
	return nil
}

func (s *Store) Search(ctx context.Context, index, typ string, q store.Query, from, size int) (store.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches := s.matchAllLocked(index, typ, q)
	if from > len(matches) {
		from = len(matches)
	}
	end := from + size
	if end > len(matches) || size <= 0 {
		end = len(matches)
	}
	page := matches[from:end]
	recs := make([]store.Record, len(page))
	for i, k := range page {
		rec := cloneRecord(s.records[k])
		rec["id"] = k.id
		recs[i] = rec
	}
	return store.Page{Records: recs, Total: len(matches)}, nil
}

func (s *Store) Scan(ctx context.Context, index, typ string, q store.Query) (store.Cursor, error) {
	s.mu.Lock()
	matches := s.matchAllLocked(index, typ, q)
	recs := make([]store.Record, len(matches))
	for i, k := range matches {
		rec := cloneRecord(s.records[k])
		rec["id"] = k.id
		recs[i] = rec
	}
	s.mu.Unlock()
	return &cursor{records: recs, pos: -1}, nil
}

func (s *Store) BulkIndex(ctx context.Context, index, typ string, records map[string]store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range records {
		k := key{index, typ, id}
		if _, exists := s.records[k]; !exists {
			s.order = append(s.order, k)
		}
		s.records[k] = cloneRecord(rec)
	}
	return nil
}

// matchAllLocked filters s.order by q; caller must hold s.mu.
func (s *Store) matchAllLocked(index, typ string, q store.Query) []key {
	var out []key
	for _, k := range s.order {
		if k.index != index || k.typ != typ {
			continue
		}
		rec := s.records[k]
		if matches(rec, q) {
			out = append(out, k)
		}
	}
	if q.SortByAsc != "" {
		sort.SliceStable(out, func(i, j int) bool {
			return fmt.Sprint(s.records[out[i]][q.SortByAsc]) < fmt.Sprint(s.records[out[j]][q.SortByAsc])
		})
	}
	return out
}

func matches(rec store.Record, q store.Query) bool {
	for field, want := range q.Equals {
		if rec[field] != want {
			return false
		}
	}
	for _, field := range q.MustNotExist {
		if _, ok := rec[field]; ok {
			return false
		}
	}
	for _, field := range q.MustExist {
		if _, ok := rec[field]; !ok {
			return false
		}
	}
	for field, bound := range q.LessThan {
		v, ok := rec[field]
		if !ok || !lessThan(v, bound) {
			return false
		}
	}
	for field, bound := range q.GreaterThan {
		v, ok := rec[field]
		if !ok || !lessThan(bound, v) {
			return false
		}
	}
	return true
}

func lessThan(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af < bf
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func cloneRecord(rec store.Record) store.Record {
	out := make(store.Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

type cursor struct {
	records []store.Record
	pos     int
}

func (c *cursor) Next(ctx context.Context) bool {
	c.pos++
	return c.pos < len(c.records)
}

func (c *cursor) Record() store.Record {
	return c.records[c.pos]
}

func (c *cursor) Err() error  { return nil }
func (c *cursor) Close() error { return nil }
