package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/goldfish-inc/oceanid/annotation-dispatcher/internal/item"
	"github.com/goldfish-inc/oceanid/annotation-dispatcher/internal/metrics"
	"github.com/goldfish-inc/oceanid/annotation-dispatcher/internal/store"
	"github.com/goldfish-inc/oceanid/annotation-dispatcher/internal/store/memstore"
)

const (
	testIndex = "annotations"
	testType  = "item"
	testTask  = "task1"
)

func newTestDispatcher(t *testing.T, st store.Adapter, n, numUnannotated int) *Dispatcher {
	t.Helper()
	reg := prometheus.NewRegistry()
	return New(Config{
		Name:                "test",
		Index:               testIndex,
		AnnotationType:      testType,
		TaskName:            testTask,
		N:                   n,
		NumUnannotatedItems: numUnannotated,
		Store:               st,
		Logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:             metrics.NewDispatcher(reg),
		MaxRetries:          2,
		Backoff:             time.Millisecond,
	})
}

func seedUnlabeled(t *testing.T, st *memstore.Store, id, docID string) {
	t.Helper()
	rec := store.Record{fieldName: testTask, fieldDocID: docID, fieldDoc: json.RawMessage(`{"k":"v"}`)}
	if err := st.Put(context.Background(), testIndex, testType, id, rec); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func seedPartial(t *testing.T, st *memstore.Store, id, docID string, validCount int, anns []item.Annotation) {
	t.Helper()
	rawAnns := make([]map[string]any, 0, len(anns))
	for _, a := range anns {
		rawAnns = append(rawAnns, map[string]any{
			"annotatorId": a.AnnotatorID,
			"annotation":  string(a.Value),
			"time":        a.Time.Format(time.RFC3339Nano),
		})
	}
	rec := store.Record{
		fieldName:        testTask,
		fieldDocID:       docID,
		fieldDoc:         json.RawMessage(`{"k":"v"}`),
		fieldNumValid:    validCount,
		fieldAnnotations: rawAnns,
	}
	if err := st.Put(context.Background(), testIndex, testType, id, rec); err != nil {
		t.Fatalf("seed partial %s: %v", id, err)
	}
}

func getRecord(t *testing.T, st *memstore.Store, id string) store.Record {
	t.Helper()
	rec, err := st.Get(context.Background(), testIndex, testType, id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return rec
}

// Scenario 1 (spec.md §8): fresh task, N=2, two annotators.
func TestFreshTaskTwoAnnotators(t *testing.T) {
	st := memstore.New()
	seedUnlabeled(t, st, "x1", "doc1")
	d := newTestDispatcher(t, st, 2, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	a, ok := d.GetItem("A")
	if !ok || a.ID != "x1" {
		t.Fatalf("A: got %+v, %v", a, ok)
	}
	b, ok := d.GetItem("B")
	if !ok || b.ID != "x1" {
		t.Fatalf("B: got %+v, %v", b, ok)
	}

	if _, _, err := d.Annotate(ctx, "A", "x1", item.LabelYes); err != nil {
		t.Fatalf("A annotate: %v", err)
	}
	rec := getRecord(t, st, "x1")
	if rec[fieldNumValid] != 1 {
		t.Fatalf("after A: numValid = %v, want 1", rec[fieldNumValid])
	}

	if _, _, err := d.Annotate(ctx, "B", "x1", item.LabelNo); err != nil {
		t.Fatalf("B annotate: %v", err)
	}
	rec = getRecord(t, st, "x1")
	if rec[fieldNumValid] != 2 {
		t.Fatalf("after B: numValid = %v, want 2", rec[fieldNumValid])
	}
	anns, _ := rec[fieldAnnotations].([]map[string]any)
	if len(anns) != 2 {
		t.Fatalf("want 2 persisted annotations, got %d", len(anns))
	}

	unannotated, partial, holding := d.QueueDepths()
	if unannotated != 0 || partial != 0 || holding != 0 {
		t.Fatalf("queues not drained: u=%d p=%d h=%d", unannotated, partial, holding)
	}
}

// Scenario 2: skip returns the item to the pool for other annotators,
// excluding the skipper.
func TestSkipReturnsItemToPool(t *testing.T) {
	st := memstore.New()
	seedUnlabeled(t, st, "x1", "doc1")
	d := newTestDispatcher(t, st, 2, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	a, ok := d.GetItem("A")
	if !ok || a.ID != "x1" {
		t.Fatalf("A: got %+v, %v", a, ok)
	}
	next, has, err := d.Skip(ctx, "A", "x1")
	if err != nil {
		t.Fatalf("A skip: %v", err)
	}
	if has && next != nil && next.ID == "x1" {
		t.Fatalf("A should never be re-offered x1 after skipping it")
	}

	b, ok := d.GetItem("B")
	if !ok || b.ID != "x1" {
		t.Fatalf("B: got %+v, %v", b, ok)
	}
	if _, _, err := d.Annotate(ctx, "B", "x1", item.LabelYes); err != nil {
		t.Fatalf("B annotate: %v", err)
	}

	c, ok := d.GetItem("C")
	if !ok || c.ID != "x1" {
		t.Fatalf("C: got %+v, %v", c, ok)
	}
	if _, _, err := d.Annotate(ctx, "C", "x1", item.LabelNo); err != nil {
		t.Fatalf("C annotate: %v", err)
	}

	rec := getRecord(t, st, "x1")
	if rec[fieldNumValid] != 2 {
		t.Fatalf("numValid = %v, want 2 (skip must not count)", rec[fieldNumValid])
	}
}

// Scenario 3: invalidate purges every partial reference; a later
// getItem never sees the invalidated item again.
func TestInvalidateShortCircuits(t *testing.T) {
	st := memstore.New()
	seedUnlabeled(t, st, "x1", "doc1")
	d := newTestDispatcher(t, st, 2, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	a, ok := d.GetItem("A")
	if !ok || a.ID != "x1" {
		t.Fatalf("A: got %+v, %v", a, ok)
	}
	if _, _, err := d.Invalidate(ctx, "A", "x1", "deleted upstream"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	rec := getRecord(t, st, "x1")
	if rec[fieldInvalid] == nil {
		t.Fatalf("expected invalid field to be set")
	}
	if rec[fieldNumValid] != 0 {
		t.Fatalf("numValid = %v, want 0", rec[fieldNumValid])
	}

	_, partial, _ := d.QueueDepths()
	if partial != 0 {
		t.Fatalf("partial should be purged of x1, got depth %d", partial)
	}

	// No other items exist, so B's next request is exhausted, not x1.
	b, ok := d.GetItem("B")
	if ok {
		t.Fatalf("B should not receive the invalidated item, got %+v", b)
	}
}

// Scenario 5: a tampered/stale annotate for an item the annotator does
// not hold is a HoldingInconsistency: no label written, the stale hold
// released back to partial, a fresh item returned.
func TestHoldingInconsistencyRecovers(t *testing.T) {
	st := memstore.New()
	seedUnlabeled(t, st, "x1", "doc1")
	seedUnlabeled(t, st, "y1", "doc2")
	d := newTestDispatcher(t, st, 2, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	a, ok := d.GetItem("A")
	if !ok {
		t.Fatalf("A should receive an item")
	}
	_ = a

	// A holds one item (x1 or y1); attempt to annotate the other one,
	// which A does not hold.
	wrongID := "y1"
	if a.ID == "y1" {
		wrongID = "x1"
	}
	view, has, err := d.Annotate(ctx, "A", wrongID, item.LabelYes)
	if err != nil {
		t.Fatalf("inconsistent annotate returned error: %v", err)
	}

	rec := getRecord(t, st, wrongID)
	if anns, _ := rec[fieldAnnotations].([]map[string]any); len(anns) != 0 {
		t.Fatalf("wrong item must not receive a label, got %v", anns)
	}
	if !has {
		t.Fatalf("A should receive a fresh item after the inconsistency")
	}
	_ = view
}

// Scenario 6: restart recovery. fillPartial must re-absorb a
// partially-labeled item on startup; an unlabeled item is re-read by
// fillUnannotated. Neither risks a duplicate label.
func TestRestartRecovery(t *testing.T) {
	st := memstore.New()
	seedPartial(t, st, "x1", "doc1", 1, []item.Annotation{{AnnotatorID: "A", Value: item.LabelYes, Time: time.Now()}})
	d := newTestDispatcher(t, st, 2, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	b, ok := d.GetItem("B")
	if !ok || b.ID != "x1" {
		t.Fatalf("B should receive the recovered partial item, got %+v, %v", b, ok)
	}
	if _, _, err := d.Annotate(ctx, "B", "x1", item.LabelNo); err != nil {
		t.Fatalf("B annotate: %v", err)
	}
	rec := getRecord(t, st, "x1")
	if rec[fieldNumValid] != 2 {
		t.Fatalf("numValid = %v, want 2", rec[fieldNumValid])
	}
}

// Idempotence (spec.md §8): two consecutive GetItem calls by the same
// annotator with no intervening mutation return the same item.
func TestGetItemIdempotent(t *testing.T) {
	st := memstore.New()
	seedUnlabeled(t, st, "x1", "doc1")
	d := newTestDispatcher(t, st, 2, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	first, ok := d.GetItem("A")
	if !ok {
		t.Fatalf("expected an item")
	}
	second, ok := d.GetItem("A")
	if !ok || second.ID != first.ID {
		t.Fatalf("idempotence violated: first=%v second=%v", first.ID, second.ID)
	}
}

// Completion (spec.md §8): K items, M >= N annotators, a fair
// round-robin sequence labels every item exactly N times and never more.
func TestCompletionRoundRobin(t *testing.T) {
	st := memstore.New()
	const k = 12
	for i := 0; i < k; i++ {
		id := fmt.Sprintf("x%d", i)
		seedUnlabeled(t, st, id, fmt.Sprintf("doc%d", i))
	}
	const n = 3
	d := newTestDispatcher(t, st, n, 6)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	annotators := []string{"A", "B", "C", "D", "E"}
	labelCounts := map[string]int{}
	done := map[string]bool{}
	turn := 0
	for {
		allDone := true
		for _, a := range annotators {
			if done[a] {
				continue
			}
			allDone = false
		}
		if allDone {
			break
		}
		a := annotators[turn%len(annotators)]
		turn++
		if done[a] {
			continue
		}
		view, ok := d.GetItem(a)
		if !ok {
			done[a] = true
			continue
		}
		if _, _, err := d.Annotate(ctx, a, view.ID, item.LabelYes); err != nil {
			t.Fatalf("%s annotate %s: %v", a, view.ID, err)
		}
		labelCounts[view.ID]++
	}

	for i := 0; i < k; i++ {
		id := fmt.Sprintf("x%d", i)
		rec := getRecord(t, st, id)
		if rec[fieldNumValid] != n {
			t.Fatalf("item %s: numValid = %v, want %d", id, rec[fieldNumValid], n)
		}
		if labelCounts[id] != n {
			t.Fatalf("item %s labeled %d times, want exactly %d", id, labelCounts[id], n)
		}
	}
}

// Boundary: partial and unannotated both empty while the producer is
// still running -> getItem blocks, then wakes once the producer
// inserts. A gatedStore holds back the producer's first scan until
// the test goroutine has observed GetItem is still blocked.
func TestGetItemBlocksThenWakes(t *testing.T) {
	st := memstore.New()
	gate := make(chan struct{})
	gs := &gatedStore{Adapter: st, gate: gate}
	d := newTestDispatcher(t, gs, 1, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	result := make(chan struct{ view *item.View; ok bool }, 1)
	go func() {
		view, ok := d.GetItem("A")
		result <- struct {
			view *item.View
			ok   bool
		}{view, ok}
	}()

	select {
	case <-result:
		t.Fatalf("GetItem returned before the store had any data")
	case <-time.After(20 * time.Millisecond):
	}

	seedUnlabeled(t, st, "x1", "doc1")
	close(gate)

	select {
	case r := <-result:
		if !r.ok || r.view.ID != "x1" {
			t.Fatalf("expected x1 after producer refill, got %+v ok=%v", r.view, r.ok)
		}
	case <-time.After(time.Second):
		t.Fatalf("GetItem never woke after the producer inserted")
	}
}

// Boundary: Stop during a blocked GetItem returns (nil, false).
func TestStopDuringBlockedGetItem(t *testing.T) {
	st := memstore.New()
	gate := make(chan struct{})
	gs := &gatedStore{Adapter: st, gate: gate}
	d := newTestDispatcher(t, gs, 1, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	result := make(chan struct{ view *item.View; ok bool }, 1)
	go func() {
		view, ok := d.GetItem("A")
		result <- struct {
			view *item.View
			ok   bool
		}{view, ok}
	}()

	select {
	case <-result:
		t.Fatalf("GetItem returned before Stop")
	case <-time.After(20 * time.Millisecond):
	}

	close(gate)
	d.Stop()

	select {
	case r := <-result:
		if r.ok {
			t.Fatalf("expected (nil, false) after Stop, got %+v", r.view)
		}
	case <-time.After(time.Second):
		t.Fatalf("GetItem never woke after Stop")
	}
}

// Boundary: skip on an item the annotator does not hold is a no-op
// (HoldingInconsistency), writes no label, and hands back a fresh item.
func TestSkipWithoutHoldIsInconsistency(t *testing.T) {
	st := memstore.New()
	seedUnlabeled(t, st, "x1", "doc1")
	d := newTestDispatcher(t, st, 1, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	view, has, err := d.Skip(ctx, "A", "x1")
	if err != nil {
		t.Fatalf("skip without hold returned error: %v", err)
	}
	rec := getRecord(t, st, "x1")
	if anns, _ := rec[fieldAnnotations].([]map[string]any); len(anns) != 0 {
		t.Fatalf("no label should be written for a skip without a hold, got %v", anns)
	}
	if !has || view.ID != "x1" {
		t.Fatalf("expected a fresh item (x1, the only item), got %+v, %v", view, has)
	}
}

// gatedStore wraps a store.Adapter and blocks every Search call until
// gate is closed, so tests can pin the exact moment the producer's
// unannotated fetch is allowed to observe store contents. Scan passes
// straight through.
type gatedStore struct {
	store.Adapter
	gate chan struct{}
}

func (g *gatedStore) Search(ctx context.Context, index, typ string, q store.Query, from, size int) (store.Page, error) {
	<-g.gate
	return g.Adapter.Search(ctx, index, typ, q, from, size)
}

func (g *gatedStore) Scan(ctx context.Context, index, typ string, q store.Query) (store.Cursor, error) {
	return g.Adapter.Scan(ctx, index, typ, q)
}
