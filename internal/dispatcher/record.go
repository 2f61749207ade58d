package dispatcher

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/goldfish-inc/oceanid/annotation-dispatcher/internal/item"
	"github.com/goldfish-inc/oceanid/annotation-dispatcher/internal/store"
)

// Persisted field names, per spec.md §6's document shape.
const (
	fieldName        = "name"
	fieldCreated     = "created"
	fieldDocID       = "docId"
	fieldDoc         = "doc"
	fieldContext     = "context"
	fieldNumValid    = "numValidAnnotations"
	fieldAnnotations = "annotations"
	fieldInvalid     = "invalid"
)

// itemFromRecord builds an Item from a raw store record, the Go
// analogue of annotated_item.py's AnnotatedItem constructor.
func itemFromRecord(id string, rec store.Record) (*item.Item, error) {
	taskName, _ := rec[fieldName].(string)
	docID, _ := rec[fieldDocID].(string)

	doc, err := json.Marshal(rec[fieldDoc])
	if err != nil {
		return nil, fmt.Errorf("dispatcher: decode doc for %s: %w", id, err)
	}

	var ctx *item.Context
	if raw, ok := rec[fieldContext]; ok && raw != nil {
		ctx = decodeContext(raw)
	}

	validCount := 0
	switch v := rec[fieldNumValid].(type) {
	case int:
		validCount = v
	case int64:
		validCount = int(v)
	case float64:
		validCount = int(v)
	}

	var labels []item.Annotation
	if raw, ok := rec[fieldAnnotations]; ok && raw != nil {
		labels = decodeAnnotations(raw)
	}

	var invalid *item.Invalidation
	if raw, ok := rec[fieldInvalid]; ok && raw != nil {
		invalid = decodeInvalidation(raw)
	}

	return item.New(id, taskName, docID, doc, ctx, validCount, labels, invalid), nil
}

func decodeContext(raw any) *item.Context {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	ctx := &item.Context{}
	ctx.Name, _ = m["name"].(string)
	ctx.Description, _ = m["description"].(string)
	if terms, ok := m["terms"].([]any); ok {
		for _, t := range terms {
			if s, ok := t.(string); ok {
				ctx.Terms = append(ctx.Terms, s)
			}
		}
	}
	return ctx
}

// decodeAnnotations accepts both shapes a Record's annotations field
// can arrive in: []any (after a JSON round trip, e.g. postgres) and
// []map[string]any (written in-process without serializing, e.g.
// memstore's Put/Update keep the Go value as given).
func decodeAnnotations(raw any) []item.Annotation {
	var entries []any
	switch v := raw.(type) {
	case []any:
		entries = v
	case []map[string]any:
		entries = make([]any, len(v))
		for i, m := range v {
			entries[i] = m
		}
	default:
		return nil
	}
	out := make([]item.Annotation, 0, len(entries))
	for _, entry := range entries {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		annotatorID, _ := m["annotatorId"].(string)
		value, _ := m["annotation"].(string)
		t := parseTime(m["time"])
		out = append(out, item.Annotation{AnnotatorID: annotatorID, Value: item.Label(value), Time: t})
	}
	return out
}

func decodeInvalidation(raw any) *item.Invalidation {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	annotatorID, _ := m["annotatorId"].(string)
	cause, _ := m["cause"].(string)
	return &item.Invalidation{AnnotatorID: annotatorID, Cause: cause, Time: parseTime(m["time"])}
}

func parseTime(v any) time.Time {
	switch t := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err == nil {
			return parsed
		}
	case time.Time:
		return t
	}
	return time.Time{}
}

// patchToRecord converts an Item's persistable patch into the
// store.Record shape for Update, per spec.md §4.2.
func patchToRecord(patch item.PersistablePatch) store.Record {
	anns := make([]map[string]any, 0, len(patch.Annotations))
	for _, a := range patch.Annotations {
		anns = append(anns, map[string]any{
			"annotatorId": a.AnnotatorID,
			"annotation":  string(a.Value),
			"time":        a.Time.Format(time.RFC3339Nano),
		})
	}
	rec := store.Record{
		fieldNumValid:    patch.NumValidAnnotations,
		fieldAnnotations: anns,
	}
	if patch.Invalid != nil {
		rec[fieldInvalid] = map[string]any{
			"annotatorId": patch.Invalid.AnnotatorID,
			"cause":       patch.Invalid.Cause,
			"time":        patch.Invalid.Time.Format(time.RFC3339Nano),
		}
	}
	return rec
}
