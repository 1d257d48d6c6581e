package core_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chunkstore/internal/core"
	"chunkstore/internal/lockfile"
	"chunkstore/internal/provider"
	"chunkstore/internal/repository"
	"chunkstore/pkg/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestOpenPersistsAcrossRestarts(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "store")
	cfg := core.NewConfig(core.WithDataDir(dir), core.WithChunkSize(1024))

	e, err := core.Open(t.Context(), cfg)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("persist"), 1000)
	m, err := e.Put(t.Context(), "doc", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Len(t, m.Chunks, 7)
	require.Equal(t, provider.KindFilesystem, m.Chunks[0].Provider)
	require.NoError(t, e.Close())

	require.FileExists(t, filepath.Join(dir, "metadata.sqlite"))

	e, err = core.Open(t.Context(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	rc, err := e.Get(t.Context(), "doc")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, payload, got)
}

func TestOpenBadgerWithCompression(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := core.NewConfig(
		core.WithDataDir(dir),
		core.WithAlgorithm(storage.AlgorithmBLAKE3),
		core.WithProvider(provider.Config{Kind: provider.KindFilesystem, Compression: "zstd"}),
		core.WithRepository(repository.Config{Kind: repository.KindBadger}),
	)

	e, err := core.Open(t.Context(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	m, err := e.Put(t.Context(), "blob", bytes.NewReader(bytes.Repeat([]byte{0}, 8192)))
	require.NoError(t, err)
	require.Contains(t, string(m.Chunks[0].ID), storage.AlgorithmBLAKE3+":")

	info, err := os.Stat(filepath.Join(dir, "manifests"))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestOpenRejectsBadConfig(t *testing.T) {
	t.Parallel()

	_, err := core.Open(t.Context(), core.NewConfig(core.WithDataDir(t.TempDir()), core.WithChunkSize(-1)))
	require.Error(t, err)

	_, err = core.Open(t.Context(), core.NewConfig(
		core.WithDataDir(t.TempDir()),
		core.WithProvider(provider.Config{Kind: "tape"}),
	))
	require.Error(t, err)

	_, err = core.Open(t.Context(), core.NewConfig(
		core.WithDataDir(t.TempDir()),
		core.WithRepository(repository.Config{Kind: "etcd"}),
	))
	require.Error(t, err)

	_, err = core.Open(t.Context(), core.NewConfig(
		core.WithDataDir(t.TempDir()),
		core.WithAlgorithm("md5"),
	))
	require.Error(t, err)
}

func TestOpenReleasesResourcesOnFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	reg := prometheus.NewRegistry()
	cfg := core.NewConfig(
		core.WithDataDir(dir),
		core.WithRepository(repository.Config{Kind: repository.KindBadger}),
		core.WithRegisterer(reg),
	)

	e, err := core.Open(t.Context(), cfg)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	// The metrics are already registered, so the engine cannot be built.
	_, err = core.Open(t.Context(), cfg)
	require.Error(t, err)

	// Badger holds a directory lock while open; a fresh open proves the
	// failed attempt released it.
	cfg.Registerer = nil
	e, err = core.Open(t.Context(), cfg)
	require.NoError(t, err)
	require.NoError(t, e.Close())
}

func TestOpenSharesGCLockAcrossProcesses(t *testing.T) {
	t.Parallel()

	if !lockfile.Supported {
		t.Skip("file locks are not available on this platform")
	}

	dir := t.TempDir()
	e, err := core.Open(t.Context(), core.NewConfig(core.WithDataDir(dir)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	// Another process in the middle of a put holds the lock shared.
	release, err := lockfile.New(core.GCLockPath(dir)).Shared(t.Context())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, err = e.CollectGarbage(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "garbage collection waits for the other process")

	_, err = e.Put(t.Context(), "concurrent", bytes.NewReader([]byte("puts only share the lock")))
	require.NoError(t, err)

	require.NoError(t, release())
	stats, err := e.CollectGarbage(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Manifests)
	require.Zero(t, stats.Deleted)
}
