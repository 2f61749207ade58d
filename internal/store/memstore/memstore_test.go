package memstore

import (
	"context"
	"testing"

	"github.com/goldfish-inc/oceanid/annotation-dispatcher/internal/store"
)

func TestGetInjectsID(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.Put(ctx, "idx", "typ", "x1", store.Record{"name": "task1"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	rec, err := s.Get(ctx, "idx", "typ", "x1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec["id"] != "x1" {
		t.Fatalf("id = %v, want x1", rec["id"])
	}
}

func TestGetNotFound(t *testing.T) {
	s := New()
	_, err := s.Get(context.Background(), "idx", "typ", "missing")
	if err == nil {
		t.Fatalf("expected an error for a missing id")
	}
}

func TestUpdateMergesShallow(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.Put(ctx, "idx", "typ", "x1", store.Record{"name": "task1", "docId": "d1"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Update(ctx, "idx", "typ", "x1", store.Record{"numValidAnnotations": 1}); err != nil {
		t.Fatalf("update: %v", err)
	}
	rec, err := s.Get(ctx, "idx", "typ", "x1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec["name"] != "task1" || rec["docId"] != "d1" {
		t.Fatalf("update must not clobber untouched fields, got %+v", rec)
	}
	if rec["numValidAnnotations"] != 1 {
		t.Fatalf("numValidAnnotations = %v, want 1", rec["numValidAnnotations"])
	}
}

func TestSearchFiltersAndSorts(t *testing.T) {
	ctx := context.Background()
	s := New()
	must(t, s.Put(ctx, "idx", "typ", "x2", store.Record{"name": "task1", "docId": "b"}))
	must(t, s.Put(ctx, "idx", "typ", "x1", store.Record{"name": "task1", "docId": "a"}))
	must(t, s.Put(ctx, "idx", "typ", "x3", store.Record{"name": "other", "docId": "c"}))

	page, err := s.Search(ctx, "idx", "typ", store.Query{
		Equals:    map[string]any{"name": "task1"},
		SortByAsc: "docId",
	}, 0, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(page.Records) != 2 {
		t.Fatalf("len(Records) = %d, want 2", len(page.Records))
	}
	if page.Records[0]["id"] != "x1" || page.Records[1]["id"] != "x2" {
		t.Fatalf("sort order wrong: %+v", page.Records)
	}
}

func TestSearchMustExistAndMustNotExist(t *testing.T) {
	ctx := context.Background()
	s := New()
	must(t, s.Put(ctx, "idx", "typ", "x1", store.Record{"name": "task1", "docId": "a"}))
	must(t, s.Put(ctx, "idx", "typ", "x2", store.Record{"name": "task1", "docId": "b", "annotations": []map[string]any{{"annotatorId": "A"}}}))

	page, err := s.Search(ctx, "idx", "typ", store.Query{
		Equals:       map[string]any{"name": "task1"},
		MustNotExist: []string{"annotations"},
	}, 0, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(page.Records) != 1 || page.Records[0]["id"] != "x1" {
		t.Fatalf("expected only x1, got %+v", page.Records)
	}

	page, err = s.Search(ctx, "idx", "typ", store.Query{
		Equals:    map[string]any{"name": "task1"},
		MustExist: []string{"annotations"},
	}, 0, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(page.Records) != 1 || page.Records[0]["id"] != "x2" {
		t.Fatalf("expected only x2, got %+v", page.Records)
	}
}

func TestSearchPagination(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		must(t, s.Put(ctx, "idx", "typ", id, store.Record{"name": "task1", "docId": id}))
	}
	page, err := s.Search(ctx, "idx", "typ", store.Query{
		Equals:    map[string]any{"name": "task1"},
		SortByAsc: "docId",
	}, 2, 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(page.Records) != 2 {
		t.Fatalf("len(Records) = %d, want 2", len(page.Records))
	}
	if page.Total != 5 {
		t.Fatalf("Total = %d, want 5", page.Total)
	}
}

func TestScanStreamsAllMatches(t *testing.T) {
	ctx := context.Background()
	s := New()
	must(t, s.Put(ctx, "idx", "typ", "x1", store.Record{"name": "task1", "numValidAnnotations": 1, "annotations": []map[string]any{{"annotatorId": "A"}}}))
	must(t, s.Put(ctx, "idx", "typ", "x2", store.Record{"name": "task1", "numValidAnnotations": 2, "annotations": []map[string]any{{"annotatorId": "A"}, {"annotatorId": "B"}}}))

	cur, err := s.Scan(ctx, "idx", "typ", store.Query{
		Equals:    map[string]any{"name": "task1"},
		MustExist: []string{"annotations"},
		LessThan:  map[string]any{"numValidAnnotations": 2},
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	defer cur.Close()

	var ids []string
	for cur.Next(ctx) {
		ids = append(ids, cur.Record()["id"].(string))
	}
	if err := cur.Err(); err != nil {
		t.Fatalf("cursor err: %v", err)
	}
	if len(ids) != 1 || ids[0] != "x1" {
		t.Fatalf("expected only x1 below the threshold, got %v", ids)
	}
}

func TestBulkIndex(t *testing.T) {
	ctx := context.Background()
	s := New()
	err := s.BulkIndex(ctx, "idx", "typ", map[string]store.Record{
		"x1": {"name": "task1", "docId": "a"},
		"x2": {"name": "task1", "docId": "b"},
	})
	if err != nil {
		t.Fatalf("bulk index: %v", err)
	}
	for _, id := range []string{"x1", "x2"} {
		if _, err := s.Get(ctx, "idx", "typ", id); err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
