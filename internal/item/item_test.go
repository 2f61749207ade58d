package item

import (
	"testing"
	"time"
)

func TestRecordLabelCountsOnlyValidValues(t *testing.T) {
	it := New("x1", "task1", "doc1", nil, nil, 0, nil, nil)

	it.RecordLabel("A", LabelYes, time.Now())
	if it.ValidCount != 1 {
		t.Fatalf("ValidCount = %d, want 1", it.ValidCount)
	}

	it.RecordLabel("B", LabelSkip, time.Now())
	if it.ValidCount != 1 {
		t.Fatalf("skip must not increment ValidCount, got %d", it.ValidCount)
	}
	if !it.HasLabelFrom("B") {
		t.Fatalf("a skip still counts as a label for HasLabelFrom")
	}

	it.RecordLabel("C", LabelNo, time.Now())
	if it.ValidCount != 2 {
		t.Fatalf("ValidCount = %d, want 2", it.ValidCount)
	}
}

func TestCompleteReachesN(t *testing.T) {
	it := New("x1", "task1", "doc1", nil, nil, 0, nil, nil)
	if it.Complete(2) {
		t.Fatalf("fresh item must not be complete")
	}
	it.RecordLabel("A", LabelYes, time.Now())
	if it.Complete(2) {
		t.Fatalf("one of two labels must not be complete")
	}
	it.RecordLabel("B", LabelNo, time.Now())
	if !it.Complete(2) {
		t.Fatalf("two of two labels must be complete")
	}
}

func TestHoldersBidirectional(t *testing.T) {
	it := New("x1", "task1", "doc1", nil, nil, 0, nil, nil)
	if it.IsHolder("A") {
		t.Fatalf("fresh item has no holders")
	}
	it.AddHolder("A", time.Now())
	if !it.IsHolder("A") {
		t.Fatalf("A should be a holder after AddHolder")
	}
	it.RemoveHolder("A")
	if it.IsHolder("A") {
		t.Fatalf("A should not be a holder after RemoveHolder")
	}
}

func TestMarkInvalid(t *testing.T) {
	it := New("x1", "task1", "doc1", nil, nil, 0, nil, nil)
	if it.IsInvalid() {
		t.Fatalf("fresh item must not be invalid")
	}
	it.MarkInvalid("A", "duplicate", time.Now())
	if !it.IsInvalid() {
		t.Fatalf("item must be invalid after MarkInvalid")
	}
	if it.Invalid.Cause != "duplicate" {
		t.Fatalf("cause = %q, want %q", it.Invalid.Cause, "duplicate")
	}
}

func TestNewDeduplicatesLabelsByAnnotator(t *testing.T) {
	labels := []Annotation{
		{AnnotatorID: "A", Value: LabelYes, Time: time.Now()},
		{AnnotatorID: "B", Value: LabelNo, Time: time.Now()},
		{AnnotatorID: "A", Value: LabelNo, Time: time.Now()},
	}
	it := New("x1", "task1", "doc1", nil, nil, 2, labels, nil)
	if len(it.Labels) != 2 {
		t.Fatalf("len(Labels) = %d, want 2", len(it.Labels))
	}
	if !it.HasLabelFrom("A") || !it.HasLabelFrom("B") {
		t.Fatalf("both seeded annotators must be present")
	}
}

func TestToPersistablePatchFlattensLabels(t *testing.T) {
	it := New("x1", "task1", "doc1", nil, nil, 0, nil, nil)
	it.RecordLabel("A", LabelYes, time.Now())
	it.RecordLabel("B", LabelNo, time.Now())

	patch := it.ToPersistablePatch()
	if patch.NumValidAnnotations != 2 {
		t.Fatalf("NumValidAnnotations = %d, want 2", patch.NumValidAnnotations)
	}
	if len(patch.Annotations) != 2 {
		t.Fatalf("len(Annotations) = %d, want 2", len(patch.Annotations))
	}
}

func TestToViewOmitsDispatcherState(t *testing.T) {
	it := New("x1", "task1", "doc1", []byte(`{"k":"v"}`), &Context{Name: "ctx"}, 0, nil, nil)
	it.AddHolder("A", time.Now())
	it.RecordLabel("A", LabelYes, time.Now())

	view := it.ToView()
	if view.ID != "x1" || view.DocID != "doc1" {
		t.Fatalf("unexpected view: %+v", view)
	}
	if view.Context == nil || view.Context.Name != "ctx" {
		t.Fatalf("context not carried through: %+v", view.Context)
	}
}
