package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chunkstore/pkg/storage"
)

// GCStats summarizes one garbage collection pass.
type GCStats struct {
	Manifests  int `json:"manifests"`
	Referenced int `json:"referenced"`
	Scanned    int `json:"scanned"`
	Deleted    int `json:"deleted"`
}

// GCLock excludes garbage collection from puts across engines, typically
// in different processes, sharing one set of chunks and manifests.
type GCLock interface {
	// Shared is held by a put from its first chunk write through commit.
	Shared(ctx context.Context) (release func() error, err error)

	// Exclusive is held by garbage collection.
	Exclusive(ctx context.Context) (release func() error, err error)
}

func releaseGCLock(release func() error) {
	if err := release(); err != nil {
		slog.Warn("Failed to release gc lock", "error", err)
	}
}

// CollectGarbage deletes every chunk that no committed manifest references.
// It excludes puts for its whole duration, so a chunk written by an
// in-flight put is never mistaken for an orphan. Providers that cannot
// enumerate their chunks are skipped.
func (e *Engine) CollectGarbage(ctx context.Context) (GCStats, error) {
	e.gcMu.Lock()
	defer e.gcMu.Unlock()

	start := time.Now()
	stats, err := e.collectExclusive(ctx)
	e.metrics.observe("gc", err)
	if err != nil {
		return stats, err
	}

	e.metrics.gcRuns.Inc()
	slog.Info("Garbage collection finished", "manifests", stats.Manifests, "referenced", stats.Referenced,
		"scanned", stats.Scanned, "deleted", stats.Deleted, "duration", time.Since(start))
	return stats, nil
}

func (e *Engine) collectExclusive(ctx context.Context) (GCStats, error) {
	if e.opts.GCLock != nil {
		release, err := e.opts.GCLock.Exclusive(ctx)
		if err != nil {
			return GCStats{}, fmt.Errorf("acquire gc lock: %w", err)
		}
		defer releaseGCLock(release)
	}
	return e.collect(ctx)
}

func (e *Engine) collect(ctx context.Context) (GCStats, error) {
	var stats GCStats

	marked := map[storage.ChunkID]struct{}{}
	for m, err := range e.repo.Manifests(ctx) {
		if err != nil {
			return stats, fmt.Errorf("mark: %w", err)
		}

		stats.Manifests++
		for _, ref := range m.Chunks {
			marked[ref.ID] = struct{}{}
		}
	}
	stats.Referenced = len(marked)

	for name, p := range e.providers {
		lister, ok := p.(storage.ChunkLister)
		if !ok {
			slog.Debug("Provider cannot list chunks, skipping sweep", "provider", name)
			continue
		}

		for id, err := range lister.Chunks(ctx) {
			if err != nil {
				return stats, fmt.Errorf("%w: sweep %q: %w", storage.ErrProviderFailure, name, err)
			}

			stats.Scanned++
			if _, ok := marked[id]; ok {
				continue
			}

			err := e.retry(ctx, "delete_chunk", func() error {
				return p.Delete(ctx, id)
			})
			if err != nil {
				return stats, fmt.Errorf("%w: delete chunk %s: %w", storage.ErrProviderFailure, id, err)
			}

			if e.cache != nil {
				e.cache.Remove(id)
			}
			e.metrics.gcDeleted.Inc()
			stats.Deleted++
			slog.Debug("Deleted unreferenced chunk", "provider", name, "chunk", id)
		}
	}

	return stats, nil
}

// RunGC collects garbage every period until ctx is done. Failed passes are
// logged and retried on the next tick.
func (e *Engine) RunGC(ctx context.Context, period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("invalid gc period: %s", period)
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.CollectGarbage(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Garbage collection failed", "error", err)
			}
		}
	}
}
