// Package dispatcher implements the annotation dispatcher: a
// long-running coordinator that hands each requesting annotator
// exactly one work item at a time, collects labels, and keeps a
// document store in sync, translated from annotation_manager.py's
// threading.Condition-based design into sync.Mutex/sync.Cond.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goldfish-inc/oceanid/annotation-dispatcher/internal/item"
	"github.com/goldfish-inc/oceanid/annotation-dispatcher/internal/metrics"
	"github.com/goldfish-inc/oceanid/annotation-dispatcher/internal/store"
)

// Config is the immutable configuration a Dispatcher is built from.
type Config struct {
	Name           string
	Index          string
	AnnotationType string
	TaskName       string

	// N is numAnnotationsPerItem: the required valid-label count.
	N int
	// NumUnannotatedItems sets the unannotated queue's low-water mark
	// to half of this value. Below low-water the producer appends one
	// page of up to scanPageSize records; the queue is not capped at
	// NumUnannotatedItems.
	NumUnannotatedItems int

	Store   store.Adapter
	Logger  *slog.Logger
	Metrics *metrics.Dispatcher

	MaxRetries int
	Backoff    time.Duration
}

// Dispatcher owns one annotation task's queues, holding table, and
// background producer. All mutable state is guarded by mu; callers
// never need to synchronize externally.
type Dispatcher struct {
	cfg Config

	mu   sync.Mutex
	cond *sync.Cond

	running bool
	doneCh  chan struct{}

	unannotated []*item.Item
	partial     []string // FIFO of item IDs; one entry per free slot
	items       map[string]*item.Item
	holding     map[string]string // annotatorID -> itemID

	searchFrom int
	lowWater   int
	highWater  int
}

// New builds a Dispatcher in its initial, not-yet-running state. Per
// spec.md §9's two-phase construction note, no goroutine is started
// here; call Start to begin serving.
func New(cfg Config) *Dispatcher {
	if cfg.N <= 0 {
		cfg.N = 1
	}
	if cfg.NumUnannotatedItems <= 0 {
		cfg.NumUnannotatedItems = 10
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Dispatcher{
		cfg:       cfg,
		items:     make(map[string]*item.Item),
		holding:   make(map[string]string),
		highWater: cfg.NumUnannotatedItems,
		lowWater:  cfg.NumUnannotatedItems / 2,
		doneCh:    make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Start marks the dispatcher running and launches the background
// producer goroutine. Safe to call once.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	d.running = true
	d.mu.Unlock()
	go d.run(ctx)
}

// Stop signals the producer and any blocked consumers to unwind.
// Blocked GetItem calls return (nil, false).
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.running = false
	d.cond.Broadcast()
	d.mu.Unlock()
}

// Done is closed once the producer goroutine has exited, either
// because Stop was called or the task was exhausted.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.doneCh
}

// QueueDepths reports the current size of the unannotated queue, the
// partial queue, and the holding table, for status endpoints and tests.
func (d *Dispatcher) QueueDepths() (unannotated, partial, holding int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.unannotated), len(d.partial), len(d.holding)
}

// GetItem hands annotatorID one item, or (nil, false) if the task is
// exhausted or the dispatcher has stopped. Re-calling with no
// intervening mutation returns the same held item (idempotence, I2).
func (d *Dispatcher) GetItem(annotatorID string) (*item.View, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if itemID, ok := d.holding[annotatorID]; ok {
		it := d.items[itemID]
		it.AddHolder(annotatorID, time.Now())
		view := it.ToView()
		return &view, true
	}
	return d.nextItemLocked(annotatorID)
}

// Annotate records annotatorID's label on itemID and hands back the
// next item. A hold mismatch is a HoldingInconsistency: logged, the
// stale hold released, no label written, a fresh item returned.
func (d *Dispatcher) Annotate(ctx context.Context, annotatorID, itemID string, value item.Label) (*item.View, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	it, ok := d.checkHoldLocked(annotatorID, itemID)
	if !ok {
		d.logInconsistencyLocked("annotate", annotatorID, itemID)
		d.releaseStaleHoldLocked(annotatorID)
		view, has := d.nextItemLocked(annotatorID)
		return view, has, nil
	}

	snap := d.snapshotForRollback(it, annotatorID)
	it.RecordLabel(annotatorID, value, time.Now())
	it.RemoveHolder(annotatorID)
	delete(d.holding, annotatorID)
	if it.Complete(d.cfg.N) {
		snap.purgedCount = d.purgePartialLocked(itemID)
	}

	if err := d.persistLocked(ctx, "annotate", itemID, it.ToPersistablePatch()); err != nil {
		d.rollback(it, annotatorID, itemID, snap)
		return nil, false, err
	}

	d.cfg.Metrics.LabelsRecordedTotal.WithLabelValues(d.cfg.TaskName, string(value)).Inc()
	view, has := d.nextItemLocked(annotatorID)
	return view, has, nil
}

// Skip records a skip label (never counted, never re-offered to
// annotatorID) and returns the item to the partial pool for others.
func (d *Dispatcher) Skip(ctx context.Context, annotatorID, itemID string) (*item.View, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	it, ok := d.checkHoldLocked(annotatorID, itemID)
	if !ok {
		d.logInconsistencyLocked("skip", annotatorID, itemID)
		d.releaseStaleHoldLocked(annotatorID)
		view, has := d.nextItemLocked(annotatorID)
		return view, has, nil
	}

	snap := d.snapshotForRollback(it, annotatorID)
	it.RecordLabel(annotatorID, item.LabelSkip, time.Now())
	it.RemoveHolder(annotatorID)
	delete(d.holding, annotatorID)

	if err := d.persistLocked(ctx, "skip", itemID, it.ToPersistablePatch()); err != nil {
		d.rollback(it, annotatorID, itemID, snap)
		return nil, false, err
	}

	if !it.IsInvalid() && !it.Complete(d.cfg.N) {
		d.partial = append(d.partial, itemID)
	}
	view, has := d.nextItemLocked(annotatorID)
	return view, has, nil
}

// Invalidate marks itemID dead and purges every reference to it from
// the partial queue (I4).
func (d *Dispatcher) Invalidate(ctx context.Context, annotatorID, itemID, cause string) (*item.View, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	it, ok := d.checkHoldLocked(annotatorID, itemID)
	if !ok {
		d.logInconsistencyLocked("invalidate", annotatorID, itemID)
		d.releaseStaleHoldLocked(annotatorID)
		view, has := d.nextItemLocked(annotatorID)
		return view, has, nil
	}

	snap := d.snapshotForRollback(it, annotatorID)
	it.MarkInvalid(annotatorID, cause, time.Now())
	it.RemoveHolder(annotatorID)
	delete(d.holding, annotatorID)
	snap.purgedCount = d.purgePartialLocked(itemID)

	if err := d.persistLocked(ctx, "invalidate", itemID, it.ToPersistablePatch()); err != nil {
		d.rollback(it, annotatorID, itemID, snap)
		return nil, false, err
	}

	d.cfg.Metrics.InvalidationsTotal.WithLabelValues(d.cfg.TaskName).Inc()
	view, has := d.nextItemLocked(annotatorID)
	return view, has, nil
}

// nextItemLocked implements the allocation rule: drain partial first,
// then block for an unannotated item. Caller must hold d.mu.
func (d *Dispatcher) nextItemLocked(annotatorID string) (*item.View, bool) {
	for {
		if idx := d.findPartialSlotLocked(annotatorID); idx >= 0 {
			itemID := d.partial[idx]
			d.partial = append(d.partial[:idx], d.partial[idx+1:]...)
			it := d.items[itemID]
			it.AddHolder(annotatorID, time.Now())
			d.holding[annotatorID] = itemID
			d.updateDepthMetricsLocked()
			d.cfg.Metrics.ItemsServedTotal.WithLabelValues(d.cfg.TaskName).Inc()
			view := it.ToView()
			return &view, true
		}

		if len(d.unannotated) > 0 {
			it := d.unannotated[0]
			d.unannotated = d.unannotated[1:]
			if len(d.unannotated) < d.lowWater {
				d.cond.Broadcast()
			}
			d.items[it.ID] = it
			it.AddHolder(annotatorID, time.Now())
			d.holding[annotatorID] = it.ID
			for i := 0; i < d.cfg.N-1; i++ {
				d.partial = append(d.partial, it.ID)
			}
			d.updateDepthMetricsLocked()
			d.cfg.Metrics.ItemsServedTotal.WithLabelValues(d.cfg.TaskName).Inc()
			view := it.ToView()
			return &view, true
		}

		if !d.running {
			return nil, false
		}
		d.cond.Wait()
	}
}

// findPartialSlotLocked returns the index of the first partial slot
// annotatorID is eligible for, or -1.
func (d *Dispatcher) findPartialSlotLocked(annotatorID string) int {
	for i, itemID := range d.partial {
		it := d.items[itemID]
		if it == nil || it.IsInvalid() || it.HasLabelFrom(annotatorID) {
			continue
		}
		return i
	}
	return -1
}

// checkHoldLocked verifies annotatorID currently holds itemID in both
// directions (I2). Returns (nil, false) on any mismatch.
func (d *Dispatcher) checkHoldLocked(annotatorID, itemID string) (*item.Item, bool) {
	heldID, ok := d.holding[annotatorID]
	if !ok || heldID != itemID {
		return nil, false
	}
	it := d.items[itemID]
	if it == nil || !it.IsHolder(annotatorID) {
		return nil, false
	}
	return it, true
}

// releaseStaleHoldLocked drops whatever annotatorID was holding (if
// anything) and returns that item to partial, unless it is already
// complete or invalid.
func (d *Dispatcher) releaseStaleHoldLocked(annotatorID string) {
	heldID, ok := d.holding[annotatorID]
	if !ok {
		return
	}
	delete(d.holding, annotatorID)
	it := d.items[heldID]
	if it == nil {
		return
	}
	it.RemoveHolder(annotatorID)
	if !it.IsInvalid() && !it.Complete(d.cfg.N) {
		d.partial = append(d.partial, heldID)
	}
}

// purgePartialLocked removes every occurrence of itemID from partial
// and returns how many were removed.
func (d *Dispatcher) purgePartialLocked(itemID string) int {
	kept := d.partial[:0]
	removed := 0
	for _, id := range d.partial {
		if id == itemID {
			removed++
			continue
		}
		kept = append(kept, id)
	}
	d.partial = kept
	return removed
}

func (d *Dispatcher) logInconsistencyLocked(op, annotatorID, itemID string) {
	d.cfg.Logger.Error("holding inconsistency",
		"op", op, "annotator_id", annotatorID, "item_id", itemID)
	d.cfg.Metrics.HoldingInconsistent.WithLabelValues(d.cfg.TaskName, op).Inc()
}

func (d *Dispatcher) updateDepthMetricsLocked() {
	d.cfg.Metrics.UnannotatedDepth.WithLabelValues(d.cfg.TaskName).Set(float64(len(d.unannotated)))
	d.cfg.Metrics.PartialDepth.WithLabelValues(d.cfg.TaskName).Set(float64(len(d.partial)))
	d.cfg.Metrics.HoldingDepth.WithLabelValues(d.cfg.TaskName).Set(float64(len(d.holding)))
}

// persistLocked writes patch for itemID with retry/backoff, while
// d.mu is held — mirroring spec.md §5's single-mutex contract, which
// the whole producer loop also runs under (see producer.go).
func (d *Dispatcher) persistLocked(ctx context.Context, op, itemID string, patch item.PersistablePatch) error {
	rec := patchToRecord(patch)
	backoff := d.cfg.Backoff
	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		err := d.cfg.Store.Update(ctx, d.cfg.Index, d.cfg.AnnotationType, itemID, rec)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, store.ErrTransient) {
			return fmt.Errorf("dispatcher: %s %s: %w", op, itemID, err)
		}
		d.cfg.Metrics.StoreRetriesTotal.WithLabelValues(d.cfg.TaskName, op).Inc()
		d.cfg.Logger.Warn("store transient failure, retrying",
			"op", op, "item_id", itemID, "attempt", attempt+1)
		if attempt == d.cfg.MaxRetries {
			break
		}
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("dispatcher: %s %s exhausted retries: %w", op, itemID, lastErr)
}

// rollbackSnapshot captures enough of an item's pre-mutation state to
// undo a failed persist attempt (spec.md §7's StoreTransient rollback).
type rollbackSnapshot struct {
	validCount  int
	hadLabel    bool
	label       item.Annotation
	invalid     *item.Invalidation
	purgedCount int
}

func (d *Dispatcher) snapshotForRollback(it *item.Item, annotatorID string) rollbackSnapshot {
	snap := rollbackSnapshot{validCount: it.ValidCount, invalid: it.Invalid}
	if a, ok := it.Labels[annotatorID]; ok {
		snap.hadLabel = true
		snap.label = a
	}
	return snap
}

// rollback restores it, d.partial, and the hold to the state captured
// by snap, after annotatorID's attempted mutation failed to persist
// (spec.md §7: "do not release the hold, do not advance labels").
func (d *Dispatcher) rollback(it *item.Item, annotatorID, itemID string, snap rollbackSnapshot) {
	if snap.hadLabel {
		it.Labels[annotatorID] = snap.label
	} else {
		delete(it.Labels, annotatorID)
	}
	it.ValidCount = snap.validCount
	it.Invalid = snap.invalid
	for i := 0; i < snap.purgedCount; i++ {
		d.partial = append(d.partial, itemID)
	}
	it.AddHolder(annotatorID, time.Now())
	d.holding[annotatorID] = itemID
}
