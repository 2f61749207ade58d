// Command seed-task is the Task Seeder's CLI entry point: it reads a
// source document collection and bulk-indexes one annotation record
// per document into the store. Flags select the source (-source-type
// csv, xlsx or s3, with its file path or bucket/prefix/region and the
// -id-column holding each docId), the -task-name and an optional
// -max-count; the target index and type come from STORE_INDEX and
// ANNOTATION_TYPE. It takes no source query and classifies no
// contexts.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/goldfish-inc/oceanid/annotation-dispatcher/internal/config"
	"github.com/goldfish-inc/oceanid/annotation-dispatcher/internal/metrics"
	"github.com/goldfish-inc/oceanid/annotation-dispatcher/internal/seeder"
	"github.com/goldfish-inc/oceanid/annotation-dispatcher/internal/store/postgres"
)

func main() {
	cfg := config.LoadSeeder()

	var (
		sourceType = flag.String("source-type", cfg.SourceType, "csv | xlsx | s3")
		sourceCSV  = flag.String("source-csv", cfg.SourceCSV, "path to a CSV source file")
		sourceXLSX = flag.String("source-xlsx", cfg.SourceXLSX, "path to an XLSX source file")
		idColumn   = flag.String("id-column", "docid", "column holding each row's docId")
		s3Bucket   = flag.String("s3-bucket", cfg.S3Bucket, "S3 bucket to read from")
		s3Prefix   = flag.String("s3-prefix", cfg.S3Prefix, "S3 key prefix to read from")
		s3Region   = flag.String("s3-region", cfg.S3Region, "AWS region")
		taskName   = flag.String("task-name", cfg.TaskName, "task name to stamp on every record")
		maxCount   = flag.Int("max-count", cfg.MaxCount, "stop after this many records (0 = unbounded)")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *taskName == "" {
		fmt.Fprintln(os.Stderr, "seed-task: -task-name is required")
		os.Exit(1)
	}

	adapter, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed-task: connect to store: %v\n", err)
		os.Exit(1)
	}
	defer adapter.Close()

	src, err := openSource(ctx, *sourceType, *sourceCSV, *sourceXLSX, *idColumn, *s3Bucket, *s3Prefix, *s3Region)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed-task: %v\n", err)
		os.Exit(1)
	}
	defer src.Close()

	seedMetrics := metrics.NewSeeder(prometheus.NewRegistry())
	s := seeder.New(seeder.Config{
		TargetIndex: cfg.TargetIndex,
		TargetType:  cfg.TargetType,
		TaskName:    *taskName,
		MaxCount:    *maxCount,
		Store:       adapter,
		Metrics:     seedMetrics,
	})

	total, err := s.Run(ctx, src)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed-task: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "done: %d records seeded for task %q\n", total, *taskName)
}

func openSource(ctx context.Context, sourceType, sourceCSV, sourceXLSX, idColumn, s3Bucket, s3Prefix, s3Region string) (seeder.Source, error) {
	switch sourceType {
	case "csv":
		return seeder.OpenCSV(sourceCSV, idColumn)
	case "xlsx":
		return seeder.OpenXLSX(sourceXLSX, idColumn)
	case "s3":
		return seeder.OpenS3(ctx, s3Bucket, s3Prefix, s3Region)
	default:
		return nil, fmt.Errorf("unsupported -source-type %q (want csv, xlsx, or s3)", sourceType)
	}
}
