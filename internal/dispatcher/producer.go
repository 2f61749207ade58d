package dispatcher

import (
	"context"

	"github.com/goldfish-inc/oceanid/annotation-dispatcher/internal/store"
)

// scanPageSize bounds one fillUnannotated page, matching searchFrom's
// pagination contract in spec.md §4.3.
const scanPageSize = 200

// run is the background producer. It holds d.mu for essentially its
// entire lifetime, waking on d.cond when a consumer drains the
// unannotated queue below low-water or on shutdown — the single-lock
// model spec.md §5 describes literally, not merely its effect.
func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.doneCh)

	d.mu.Lock()
	d.fillPartialLocked(ctx)
	d.mu.Unlock()

	for {
		d.mu.Lock()
		if !d.running {
			d.mu.Unlock()
			return
		}

		if len(d.unannotated) < d.lowWater {
			wasEmpty := len(d.unannotated) == 0
			n := d.fillUnannotatedLocked(ctx)
			if n == 0 && len(d.unannotated) == 0 {
				d.running = false
				d.cond.Broadcast()
				d.mu.Unlock()
				return
			}
			if wasEmpty && len(d.unannotated) > 0 {
				d.cond.Broadcast()
			}
		}

		if !d.running {
			d.mu.Unlock()
			return
		}
		d.cond.Wait()
		d.mu.Unlock()
	}
}

// fillPartialLocked absorbs items already partially labeled (spec.md
// §4.3's "must complete before any consumer is served"). run calls it
// once, under lock, before its first fillUnannotatedLocked; Start
// returns without waiting for it, and a consumer that arrives earlier
// waits on d.cond with both queues empty until the producer broadcasts.
func (d *Dispatcher) fillPartialLocked(ctx context.Context) {
	q := store.Query{
		Equals:      map[string]any{fieldName: d.cfg.TaskName},
		LessThan:    map[string]any{fieldNumValid: d.cfg.N},
		MustExist:   []string{fieldAnnotations},
		MustNotExist: []string{fieldInvalid},
	}
	cursor, err := d.cfg.Store.Scan(ctx, d.cfg.Index, d.cfg.AnnotationType, q)
	if err != nil {
		d.cfg.Logger.Error("fillPartial scan failed", "error", err)
		return
	}
	defer cursor.Close()

	for cursor.Next(ctx) {
		rec := cursor.Record()
		id, _ := rec["id"].(string)
		if id == "" {
			continue
		}
		it, err := itemFromRecord(id, rec)
		if err != nil {
			d.cfg.Logger.Error("fillPartial decode failed", "item_id", id, "error", err)
			continue
		}
		d.items[id] = it
		missing := d.cfg.N - it.ValidCount
		for i := 0; i < missing; i++ {
			d.partial = append(d.partial, id)
		}
	}
	if err := cursor.Err(); err != nil {
		d.cfg.Logger.Error("fillPartial scan cursor error", "error", err)
	}
	d.updateDepthMetricsLocked()
}

// fillUnannotatedLocked pages forward from searchFrom, appending
// unlabeled items and advancing the cursor by the page size returned.
// It returns the number of records the page held, which counts records
// skipped for a missing id or a decode failure.
func (d *Dispatcher) fillUnannotatedLocked(ctx context.Context) int {
	q := store.Query{
		Equals:       map[string]any{fieldName: d.cfg.TaskName},
		MustNotExist: []string{fieldAnnotations, fieldInvalid},
		SortByAsc:    fieldDocID,
	}
	page, err := d.cfg.Store.Search(ctx, d.cfg.Index, d.cfg.AnnotationType, q, d.searchFrom, scanPageSize)
	if err != nil {
		d.cfg.Logger.Error("fillUnannotated search failed", "error", err)
		return 0
	}
	d.searchFrom += len(page.Records)
	for _, rec := range page.Records {
		id, _ := rec["id"].(string)
		if id == "" {
			continue
		}
		it, err := itemFromRecord(id, rec)
		if err != nil {
			d.cfg.Logger.Error("fillUnannotated decode failed", "item_id", id, "error", err)
			continue
		}
		d.unannotated = append(d.unannotated, it)
	}
	d.updateDepthMetricsLocked()
	return len(page.Records)
}
