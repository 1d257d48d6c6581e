package core

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net/http"

	"chunkstore/internal/auth"
	"chunkstore/internal/engine"
	"chunkstore/pkg/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Store is the part of the engine exposed over the admin endpoints.
type Store interface {
	Stat(ctx context.Context, id string) (storage.Manifest, error)
	List(ctx context.Context, prefix string) iter.Seq2[string, error]
	CollectGarbage(ctx context.Context) (engine.GCStats, error)
}

// AdminHandler returns the operational HTTP surface of a running store:
// health, metrics, read-only object inspection and on-demand garbage
// collection. Object payloads are never served here. When authEngine is
// non-nil every endpoint but /healthz requires credentials it accepts.
func AdminHandler(store Store, gatherer prometheus.Gatherer, authEngine auth.AuthEngine) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /objects", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		handleList(ctx, w, store, r.URL.Query().Get("prefix"))
	})
	mux.HandleFunc("GET /objects/{id...}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		handleStat(ctx, w, store, r.PathValue("id"))
	})
	mux.HandleFunc("POST /gc", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		handleGC(ctx, w, store)
	})

	var handler http.Handler = mux
	if authEngine != nil {
		handler = RequireAuthentication(handler, authEngine, "/healthz")
	}
	handler = LogRequest(handler, "/healthz", "/metrics")
	handler = Recoverer(handler)
	return handler
}

func handleList(ctx context.Context, w http.ResponseWriter, store Store, prefix string) {
	ids := []string{}
	for id, err := range store.List(ctx, prefix) {
		if err != nil {
			writeError(w, err)
			return
		}
		ids = append(ids, id)
	}
	writeJSON(w, http.StatusOK, ids)
}

func handleStat(ctx context.Context, w http.ResponseWriter, store Store, id string) {
	m, err := store.Stat(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func handleGC(ctx context.Context, w http.ResponseWriter, store Store) {
	stats, err := store.CollectGarbage(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// statusOf maps an engine error onto the HTTP status reported for it.
func statusOf(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidObjectID):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode admin response", "error", err)
	}
}
