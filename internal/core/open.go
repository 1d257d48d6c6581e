package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"chunkstore/internal/engine"
	"chunkstore/internal/lockfile"
	"chunkstore/internal/provider"
	"chunkstore/internal/repository"
)

// GCLockPath returns the lock file coordinating garbage collection with
// puts for every process using dataDir.
func GCLockPath(dataDir string) string {
	return filepath.Join(dataDir, "gc.lock")
}

// Open builds an engine from cfg. The configured provider becomes the
// engine's primary and is recorded in manifests under its kind name.
func Open(ctx context.Context, cfg Config) (*engine.Engine, error) {
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	chunks, err := provider.Open(ctx, cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk provider: %w", err)
	}

	repo, err := repository.Open(ctx, cfg.Repository)
	if err != nil {
		_ = chunks.Close()
		return nil, fmt.Errorf("failed to open manifest repository: %w", err)
	}

	name := cfg.Provider.Kind
	if name == "" {
		name = provider.KindFilesystem
	}

	opts := []engine.Option{
		engine.WithChunkSize(cfg.ChunkSize),
		engine.WithAlgorithm(cfg.Algorithm),
		engine.WithMaxInFlight(cfg.MaxInFlight),
		engine.WithReadAhead(cfg.ReadAhead),
		engine.WithRetry(cfg.MaxRetries, cfg.InitialBackoff, cfg.MaxBackoff),
		engine.WithCacheSize(cfg.CacheSize),
		engine.WithRegisterer(cfg.Registerer),
	}

	// Every process opening this data dir shares the lock, so a serve
	// process collecting garbage never sweeps chunks of a concurrent CLI put.
	if lockfile.Supported {
		opts = append(opts, engine.WithGCLock(lockfile.New(GCLockPath(cfg.DataDir))))
	} else {
		slog.Warn("File locks unavailable, garbage collection is only safe within one process")
	}

	e, err := engine.New(repo, name, chunks, opts...)
	if err != nil {
		_ = repo.Close()
		_ = chunks.Close()
		return nil, err
	}

	slog.Debug("Engine opened", "data_dir", cfg.DataDir, "provider", cfg.Provider.Kind,
		"repository", cfg.Repository.Kind, "repository_path", cfg.Repository.Path, "chunk_size", cfg.ChunkSize)
	return e, nil
}
