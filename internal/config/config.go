// Package config loads environment-variable configuration for the
// dispatcher and seeder binaries, in the getEnv/getIntEnv/getDurationEnv
// style of apps/annotations-sink/main.go's loadConfig.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Dispatcher holds the per-instance configuration named in spec.md §6.
type Dispatcher struct {
	Name                  string
	Index                 string
	AnnotationType        string
	TaskName              string
	NumAnnotationsPerItem int
	NumUnannotatedItems   int

	DatabaseURL string
	ListenAddr  string

	StoreMaxRetries int
	StoreBackoff    time.Duration

	Logger *slog.Logger
}

// LoadDispatcher reads a Dispatcher config from the environment,
// applying the same fallback values annotations-sink's loadConfig
// uses for unset keys.
func LoadDispatcher() *Dispatcher {
	name := getEnv("DISPATCHER_NAME", "default")
	return &Dispatcher{
		Name:                  name,
		Index:                 getEnv("STORE_INDEX", "annotations"),
		AnnotationType:        getEnv("ANNOTATION_TYPE", "item"),
		TaskName:              getEnv("TASK_NAME", name),
		NumAnnotationsPerItem: getIntEnv("NUM_ANNOTATIONS_PER_ITEM", 2),
		NumUnannotatedItems:   getIntEnv("NUM_UNANNOTATED_ITEMS", 10),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		ListenAddr:            getEnv("LISTEN_ADDR", ":8080"),
		StoreMaxRetries:       getIntEnv("STORE_MAX_RETRIES", 5),
		StoreBackoff:          getDurationEnv("STORE_BACKOFF", 200*time.Millisecond),
		Logger:                slog.Default().With("dispatcher", name),
	}
}

// Seeder holds the Task Seeder's CLI-surface configuration (spec.md §6).
type Seeder struct {
	SourceIndex  string
	SourceType   string
	TargetIndex  string
	TargetType   string
	TaskName     string
	MaxCount     int
	DatabaseURL  string
	SourceCSV    string
	SourceXLSX   string
	S3Bucket     string
	S3Prefix     string
	S3Region     string
}

// LoadSeeder reads Seeder config from the environment.
func LoadSeeder() *Seeder {
	return &Seeder{
		SourceIndex: getEnv("SOURCE_INDEX", ""),
		SourceType:  getEnv("SOURCE_TYPE", ""),
		TargetIndex: getEnv("STORE_INDEX", "annotations"),
		TargetType:  getEnv("ANNOTATION_TYPE", "item"),
		TaskName:    os.Getenv("TASK_NAME"),
		MaxCount:    getIntEnv("MAX_COUNT", 0),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SourceCSV:   os.Getenv("SOURCE_CSV"),
		SourceXLSX:  os.Getenv("SOURCE_XLSX"),
		S3Bucket:    os.Getenv("S3_BUCKET"),
		S3Prefix:    os.Getenv("S3_PREFIX"),
		S3Region:    getEnv("S3_REGION", "us-east-1"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("invalid integer env var, using fallback", "key", key, "value", v)
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("invalid duration env var, using fallback", "key", key, "value", v)
	}
	return fallback
}
