// Command dispatcherd runs one Dispatcher instance as a long-lived
// HTTP process, wiring config -> store -> dispatcher -> metrics the
// way csv-ingestion-worker's main.go wires Config -> db -> Worker ->
// http.Server, including its graceful-shutdown pattern.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goldfish-inc/oceanid/annotation-dispatcher/internal/config"
	"github.com/goldfish-inc/oceanid/annotation-dispatcher/internal/dispatcher"
	"github.com/goldfish-inc/oceanid/annotation-dispatcher/internal/item"
	"github.com/goldfish-inc/oceanid/annotation-dispatcher/internal/metrics"
	"github.com/goldfish-inc/oceanid/annotation-dispatcher/internal/store/postgres"
)

func main() {
	cfg := config.LoadDispatcher()
	logger := cfg.Logger

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	adapter, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect to store failed", "error", err)
		os.Exit(1)
	}
	defer adapter.Close()

	if err := adapter.EnsureSchema(ctx, cfg.Index, cfg.AnnotationType); err != nil {
		logger.Error("ensure schema failed", "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	dispMetrics := metrics.NewDispatcher(reg)

	disp := dispatcher.New(dispatcher.Config{
		Name:                cfg.Name,
		Index:               cfg.Index,
		AnnotationType:      cfg.AnnotationType,
		TaskName:            cfg.TaskName,
		N:                   cfg.NumAnnotationsPerItem,
		NumUnannotatedItems: cfg.NumUnannotatedItems,
		Store:               adapter,
		Logger:              logger,
		Metrics:             dispMetrics,
		MaxRetries:          cfg.StoreMaxRetries,
		Backoff:             cfg.StoreBackoff,
	})
	disp.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/dispatch/getItem", handleGetItem(disp))
	mux.HandleFunc("/dispatch/annotate", handleAnnotate(disp))
	mux.HandleFunc("/dispatch/skip", handleSkip(disp))
	mux.HandleFunc("/dispatch/invalidate", handleInvalidate(disp))

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down gracefully")
		disp.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}()

	logger.Info("dispatcherd listening", "addr", cfg.ListenAddr, "task", cfg.TaskName)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	<-disp.Done()
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// dispatchRequest is the thin JSON envelope the shim accepts. No
// session/cookie handling lives here; the HTTP front-end that owns
// those concerns is external to this system.
type dispatchRequest struct {
	AnnotatorID string      `json:"annotatorId"`
	ItemID      string      `json:"itemId,omitempty"`
	Label       item.Label  `json:"label,omitempty"`
	Cause       string      `json:"cause,omitempty"`
}

type dispatchResponse struct {
	Item *item.View `json:"item,omitempty"`
	Done bool       `json:"done"`
}

func handleGetItem(disp *dispatcher.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dispatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		view, ok := disp.GetItem(req.AnnotatorID)
		writeDispatchResponse(w, view, ok, nil)
	}
}

func handleAnnotate(disp *dispatcher.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dispatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		view, ok, err := disp.Annotate(r.Context(), req.AnnotatorID, req.ItemID, req.Label)
		writeDispatchResponse(w, view, ok, err)
	}
}

func handleSkip(disp *dispatcher.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dispatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		view, ok, err := disp.Skip(r.Context(), req.AnnotatorID, req.ItemID)
		writeDispatchResponse(w, view, ok, err)
	}
}

func handleInvalidate(disp *dispatcher.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dispatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		view, ok, err := disp.Invalidate(r.Context(), req.AnnotatorID, req.ItemID, req.Cause)
		writeDispatchResponse(w, view, ok, err)
	}
}

func writeDispatchResponse(w http.ResponseWriter, view *item.View, ok bool, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(dispatchResponse{Item: view, Done: !ok})
}
