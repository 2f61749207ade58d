// Package seeder implements the Task Seeder: an offline job that
// reads a source document collection (CSV, XLSX, or S3 objects) and
// materializes one annotation record per document in the store,
// grounded on csv-ingestion-worker's parseFile/parseCSV/parseExcel
// pipeline and ls-triton-adapter's S3 upload helpers, redirected at
// reading sources instead of writing derived artifacts.
package seeder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/goldfish-inc/oceanid/annotation-dispatcher/internal/item"
	"github.com/goldfish-inc/oceanid/annotation-dispatcher/internal/metrics"
	"github.com/goldfish-inc/oceanid/annotation-dispatcher/internal/store"
)

// ErrDone signals a Source is exhausted, the seeder's io.EOF analogue.
var ErrDone = errors.New("seeder: source exhausted")

// SourceDocument is one raw unit read from a source collection before
// it is turned into an annotation record.
type SourceDocument struct {
	DocID string
	Doc   json.RawMessage
}

// Source yields SourceDocuments one at a time. Next returns ErrDone
// (possibly wrapped) once exhausted.
type Source interface {
	Next(ctx context.Context) (SourceDocument, error)
	Close() error
}

// ContextDecider optionally classifies a source document into the
// item.Context shown alongside it to annotators.
type ContextDecider func(doc SourceDocument) *item.Context

// Config configures one seeding run.
type Config struct {
	TargetIndex string
	TargetType  string
	TaskName    string
	MaxCount    int // 0 means unbounded

	Store   store.Adapter
	Metrics *metrics.Seeder
	Logger  *slog.Logger
	Decide  ContextDecider

	// BatchSize bounds how many records accumulate before one
	// BulkIndex call; csv-ingestion-worker's outbox batching uses the
	// same accumulate-then-flush shape.
	BatchSize int
}

// Seeder drives one Source to completion against a Store Adapter.
type Seeder struct {
	cfg Config
}

// New builds a Seeder from cfg, applying the same defaulting
// conventions as internal/dispatcher.New.
func New(cfg Config) *Seeder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Seeder{cfg: cfg}
}

// Run reads src to completion (or MaxCount, whichever comes first),
// emitting one annotation record per document via BulkIndex, and
// returns the number of records indexed. Progress is printed to
// stdout and the process exit code reflects fatal failures, per
// the Task-seeder CLI surface.
func (s *Seeder) Run(ctx context.Context, src Source) (int, error) {
	if err := s.cfg.Store.EnsureSchema(ctx, s.cfg.TargetIndex, s.cfg.TargetType); err != nil {
		return 0, fmt.Errorf("seeder: ensure schema: %w", err)
	}

	batch := make(map[string]store.Record, s.cfg.BatchSize)
	total := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.cfg.Store.BulkIndex(ctx, s.cfg.TargetIndex, s.cfg.TargetType, batch); err != nil {
			s.cfg.Metrics.RecordsFailedTotal.WithLabelValues(s.cfg.TaskName).Add(float64(len(batch)))
			return fmt.Errorf("seeder: bulk index: %w", err)
		}
		s.cfg.Metrics.RecordsIndexedTotal.WithLabelValues(s.cfg.TaskName).Add(float64(len(batch)))
		total += len(batch)
		fmt.Fprintf(os.Stdout, "seeded %d records for task %q\n", total, s.cfg.TaskName)
		for id := range batch {
			delete(batch, id)
		}
		return nil
	}

	for {
		if s.cfg.MaxCount > 0 && total+len(batch) >= s.cfg.MaxCount {
			break
		}
		doc, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrDone) || errors.Is(err, io.EOF) {
				break
			}
			return total, fmt.Errorf("seeder: read source: %w", err)
		}

		rec := store.Record{
			fieldName:    s.cfg.TaskName,
			fieldCreated: time.Now().UTC().Format(time.RFC3339Nano),
			fieldDocID:   doc.DocID,
			fieldDoc:     json.RawMessage(doc.Doc),
		}
		if s.cfg.Decide != nil {
			if ctxVal := s.cfg.Decide(doc); ctxVal != nil {
				rec[fieldContext] = ctxVal
			}
		}
		batch[uuid.NewString()] = rec

		if len(batch) >= s.cfg.BatchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}

// Field name constants mirror internal/dispatcher's record.go; kept
// duplicated rather than exported from dispatcher to avoid a
// seeder->dispatcher dependency the spec never calls for.
const (
	fieldName    = "name"
	fieldCreated = "created"
	fieldDocID   = "docId"
	fieldDoc     = "doc"
	fieldContext = "context"
)
