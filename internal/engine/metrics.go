package engine

import (
	"errors"

	"chunkstore/pkg/storage"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "chunkstore"

type metrics struct {
	operations   *prometheus.CounterVec
	bytesWritten prometheus.Counter
	bytesRead    prometheus.Counter
	dedupHits    prometheus.Counter
	cacheHits    prometheus.Counter
	retries      *prometheus.CounterVec
	gcDeleted    prometheus.Counter
	gcRuns       prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "operations_total",
			Help:      "Engine operations by operation and result.",
		}, []string{"op", "result"}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "chunk_bytes_written_total",
			Help:      "Chunk bytes handed to providers.",
		}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "chunk_bytes_read_total",
			Help:      "Chunk bytes fetched from providers.",
		}),
		dedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "chunk_dedup_hits_total",
			Help:      "Chunk writes skipped because the provider already held the chunk.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "chunk_cache_hits_total",
			Help:      "Chunk reads served from the in-process cache.",
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retries_total",
			Help:      "Retried provider and repository calls by call.",
		}, []string{"call"}),
		gcDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "gc_chunks_deleted_total",
			Help:      "Unreferenced chunks removed by garbage collection.",
		}),
		gcRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "gc_runs_total",
			Help:      "Completed garbage collection passes.",
		}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{
		m.operations, m.bytesWritten, m.bytesRead, m.dedupHits,
		m.cacheHits, m.retries, m.gcDeleted, m.gcRuns,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// observe records the outcome of one engine operation.
func (m *metrics) observe(op string, err error) {
	m.operations.WithLabelValues(op, resultOf(err)).Inc()
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	case errors.Is(err, storage.ErrRangeOutOfBounds):
		return "range_out_of_bounds"
	case errors.Is(err, storage.ErrChecksumMismatch):
		return "checksum_mismatch"
	case errors.Is(err, storage.ErrVersionConflict):
		return "version_conflict"
	case errors.Is(err, storage.ErrProviderFailure):
		return "provider_failure"
	case errors.Is(err, storage.ErrRepositoryFailure):
		return "repository_failure"
	default:
		return "error"
	}
}
