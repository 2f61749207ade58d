// Package item implements the in-memory representation of an annotation
// record: its payload document, the labels received so far, and the set of
// annotators currently holding it.
package item

import (
	"encoding/json"
	"sort"
	"time"
)

// Label is a value an annotator can attach to an item. Only Yes and No
// count toward an item's valid-label count; Skip is recorded so the
// annotator is never re-offered the item but never counts.
type Label string

const (
	LabelYes  Label = "yes"
	LabelNo   Label = "no"
	LabelSkip Label = "skip"
)

// Valid reports whether l counts toward an item's ValidCount.
func (l Label) Valid() bool {
	return l == LabelYes || l == LabelNo
}

// Annotation is one annotator's recorded judgment on an item.
type Annotation struct {
	AnnotatorID string    `json:"annotatorId"`
	Value       Label     `json:"annotation"`
	Time        time.Time `json:"time"`
}

// Invalidation marks an item dead: it was pulled from the pool by an
// annotator and must never be served again.
type Invalidation struct {
	AnnotatorID string    `json:"annotatorId"`
	Cause       string    `json:"cause"`
	Time        time.Time `json:"time"`
}

// Context is an optional per-item descriptor shown to the annotator
// alongside the document, e.g. "what you are judging".
type Context struct {
	Name        string   `json:"name,omitempty"`
	Terms       []string `json:"terms,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Hold records that an annotator is currently holding an item.
type Hold struct {
	Time time.Time
}

// Item is the dispatcher's in-memory view of one annotation record.
//
// Invariants (enforced jointly by Item and Dispatcher):
//
//	I2: for every annotator a, a is in Holders iff the dispatcher's
//	    holding table maps a to this item.
//	I3: ValidCount equals the number of Labels entries whose value is
//	    valid (Yes/No), and is never greater than N.
//	I4: once Invalid is set the item is never placed back in a queue.
//	I5: an annotator appears at most once in Labels.
type Item struct {
	ID         string
	TaskName   string
	DocID      string
	Doc        json.RawMessage
	Context    *Context
	ValidCount int
	Labels     map[string]Annotation
	Invalid    *Invalidation

	// Holders is strictly in-memory bookkeeping; it is never persisted.
	// Keys are annotator IDs currently holding this item (I2).
	Holders map[string]Hold
}

// New constructs an Item from a freshly loaded store record. Labels and
// Holders are always non-nil so callers never need a nil check.
func New(id, taskName, docID string, doc json.RawMessage, ctx *Context, validCount int, labels []Annotation, invalid *Invalidation) *Item {
	it := &Item{
		ID:         id,
		TaskName:   taskName,
		DocID:      docID,
		Doc:        doc,
		Context:    ctx,
		ValidCount: validCount,
		Labels:     make(map[string]Annotation, len(labels)),
		Holders:    make(map[string]Hold),
		Invalid:    invalid,
	}
	for _, a := range labels {
		it.Labels[a.AnnotatorID] = a
	}
	return it
}

// HasLabelFrom reports whether annotatorID already has an entry in
// Labels, counted or not — used by the allocation rule so a skip also
// excludes the annotator from future offers of this item.
func (it *Item) HasLabelFrom(annotatorID string) bool {
	_, ok := it.Labels[annotatorID]
	return ok
}

// IsInvalid reports whether the item has been invalidated (I4).
func (it *Item) IsInvalid() bool {
	return it.Invalid != nil
}

// RecordLabel attaches annotatorID's judgment, incrementing ValidCount
// when the label counts (I3). Calling this twice for the same
// annotator would violate I5; callers must check HasLabelFrom first.
func (it *Item) RecordLabel(annotatorID string, value Label, at time.Time) {
	it.Labels[annotatorID] = Annotation{AnnotatorID: annotatorID, Value: value, Time: at}
	if value.Valid() {
		it.ValidCount++
	}
}

// MarkInvalid sets the invalidation record (I4).
func (it *Item) MarkInvalid(annotatorID, cause string, at time.Time) {
	it.Invalid = &Invalidation{AnnotatorID: annotatorID, Cause: cause, Time: at}
}

// AddHolder records that annotatorID is holding this item (I2).
func (it *Item) AddHolder(annotatorID string, at time.Time) {
	it.Holders[annotatorID] = Hold{Time: at}
}

// RemoveHolder drops annotatorID from the holding set (I2).
func (it *Item) RemoveHolder(annotatorID string) {
	delete(it.Holders, annotatorID)
}

// IsHolder reports whether annotatorID currently holds this item.
func (it *Item) IsHolder(annotatorID string) bool {
	_, ok := it.Holders[annotatorID]
	return ok
}

// Complete reports whether the item has collected its required
// valid-label count and should leave both queues for good.
func (it *Item) Complete(n int) bool {
	return it.ValidCount >= n
}

// PersistablePatch is the subset of fields the dispatcher is
// authoritative over and writes back to the store on every mutation.
type PersistablePatch struct {
	NumValidAnnotations int          `json:"numValidAnnotations"`
	Annotations         []Annotation `json:"annotations"`
	Invalid             *Invalidation `json:"invalid,omitempty"`
}

// ToPersistablePatch produces the partial-merge body for Store.Update,
// flattening Labels into the ordered sequence the store persists:
// by label time, then by annotator ID.
func (it *Item) ToPersistablePatch() PersistablePatch {
	anns := make([]Annotation, 0, len(it.Labels))
	for _, a := range it.Labels {
		anns = append(anns, a)
	}
	sort.Slice(anns, func(i, j int) bool {
		if !anns[i].Time.Equal(anns[j].Time) {
			return anns[i].Time.Before(anns[j].Time)
		}
		return anns[i].AnnotatorID < anns[j].AnnotatorID
	})
	return PersistablePatch{
		NumValidAnnotations: it.ValidCount,
		Annotations:         anns,
		Invalid:             it.Invalid,
	}
}

// Doc payload returned to an annotator, paired with the item's id and
// context so the HTTP front-end can render what's being judged.
type View struct {
	ID      string          `json:"id"`
	DocID   string          `json:"docId"`
	Doc     json.RawMessage `json:"doc"`
	Context *Context        `json:"context,omitempty"`
}

// ToView extracts the annotator-facing slice of an item.
func (it *Item) ToView() View {
	return View{ID: it.ID, DocID: it.DocID, Doc: it.Doc, Context: it.Context}
}
