package engine_test

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chunkstore/internal/chunk"
	"chunkstore/internal/engine"
	"chunkstore/internal/lockfile"
	"chunkstore/internal/provider"
	"chunkstore/internal/repository"
	"chunkstore/pkg/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestCollectGarbageRemovesOnlyUnreferencedChunks(t *testing.T) {
	t.Parallel()

	const chunkSize = 1024
	e := newTestEngine(t, engine.WithChunkSize(chunkSize))

	a := patterned(3 * chunkSize)
	b := append(bytes.Clone(a[:2*chunkSize]), bytes.Repeat([]byte("b"), chunkSize)...)

	_, err := e.Put(t.Context(), "A", bytes.NewReader(a))
	require.NoError(t, err)
	mb, err := e.Put(t.Context(), "B", bytes.NewReader(b))
	require.NoError(t, err)
	require.Equal(t, 4, e.chunks.Len())

	require.NoError(t, e.Delete(t.Context(), "A"))

	stats, err := e.CollectGarbage(t.Context())
	require.NoError(t, err)
	require.Equal(t, engine.GCStats{Manifests: 1, Referenced: 3, Scanned: 4, Deleted: 1}, stats)
	require.Equal(t, 3, e.chunks.Len())

	for _, ref := range mb.Chunks {
		exists, err := e.chunks.Exists(t.Context(), ref.ID)
		require.NoError(t, err)
		require.True(t, exists, "chunk %s of a live object must survive", ref.ID)
	}

	rc, err := e.Get(t.Context(), "B")
	require.NoError(t, err)
	require.Equal(t, b, readAll(t, rc))

	stats, err = e.CollectGarbage(t.Context())
	require.NoError(t, err)
	require.Zero(t, stats.Deleted, "a second pass finds nothing")
}

func TestCollectGarbageReclaimsFailedPutOrphans(t *testing.T) {
	t.Parallel()

	const chunkSize = 1024
	e := newTestEngine(t, engine.WithChunkSize(chunkSize), engine.WithMaxInFlight(1))

	payload := patterned(3 * chunkSize)
	for _, part := range [][]byte{payload[chunkSize : 2*chunkSize], payload[2*chunkSize:]} {
		id, err := chunk.Sum(storage.AlgorithmSHA256, part)
		require.NoError(t, err)
		e.faults.failPut[id] = true
	}

	_, err := e.Put(t.Context(), "C", bytes.NewReader(payload))
	require.ErrorIs(t, err, storage.ErrProviderFailure)
	require.Equal(t, 1, e.chunks.Len(), "only the chunk written before the failure remains")

	stats, err := e.CollectGarbage(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Deleted)
	require.Zero(t, e.chunks.Len())
}

func TestCollectGarbageWaitsForInflightPuts(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, engine.WithChunkSize(1024))
	e.faults.started = make(chan struct{})
	e.faults.release = make(chan struct{})

	payload := patterned(4096)
	putDone := make(chan error, 1)
	go func() {
		_, err := e.Put(context.Background(), "inflight", bytes.NewReader(payload))
		putDone <- err
	}()

	<-e.faults.started

	gcDone := make(chan error, 1)
	go func() {
		_, err := e.CollectGarbage(context.Background())
		gcDone <- err
	}()

	select {
	case <-gcDone:
		t.Fatal("garbage collection ran while a put was writing chunks")
	case <-time.After(50 * time.Millisecond):
	}

	close(e.faults.release)
	require.NoError(t, <-putDone)
	require.NoError(t, <-gcDone)

	rc, err := e.Get(t.Context(), "inflight")
	require.NoError(t, err)
	require.Equal(t, payload, readAll(t, rc), "chunks of the put must survive the sweep")
}

func TestRunGC(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)

	_, err := e.Put(t.Context(), "temp", bytes.NewReader([]byte("temporary")))
	require.NoError(t, err)
	require.NoError(t, e.Delete(t.Context(), "temp"))

	require.Error(t, e.RunGC(t.Context(), 0), "period must be positive")

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- e.RunGC(ctx, 5*time.Millisecond)
	}()

	require.Eventually(t, func() bool { return e.chunks.Len() == 0 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

// opaqueProvider hides any ChunkLister implementation of its inner provider.
type opaqueProvider struct {
	storage.Provider
}

func TestCollectGarbageSkipsProvidersWithoutListing(t *testing.T) {
	t.Parallel()

	repo, err := repository.NewBadgerRepository("")
	require.NoError(t, err)

	chunks := provider.NewMemoryProvider()
	e, err := engine.New(repo, "opaque", opaqueProvider{chunks})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	_, err = e.Put(t.Context(), "x", bytes.NewReader([]byte("kept")))
	require.NoError(t, err)
	require.NoError(t, e.Delete(t.Context(), "x"))

	stats, err := e.CollectGarbage(t.Context())
	require.NoError(t, err)
	require.Zero(t, stats.Scanned)
	require.Equal(t, 1, chunks.Len(), "chunks that cannot be enumerated are left alone")
}

// hookedProvider runs hook once, right after the first successful call
// named call.
type hookedProvider struct {
	storage.Provider
	call string
	hook func()
	once sync.Once
}

func (p *hookedProvider) after(call string) {
	if call == p.call {
		p.once.Do(p.hook)
	}
}

func (p *hookedProvider) Exists(ctx context.Context, id storage.ChunkID) (bool, error) {
	ok, err := p.Provider.Exists(ctx, id)
	if err == nil {
		p.after("exists")
	}
	return ok, err
}

func (p *hookedProvider) Put(ctx context.Context, id storage.ChunkID, data []byte) error {
	err := p.Provider.Put(ctx, id, data)
	if err == nil {
		p.after("put")
	}
	return err
}

// openSharedEngine opens an engine over the SQLite database and gc lock in
// dir, the way each process using that data dir does.
func openSharedEngine(t *testing.T, dir string, chunks storage.Provider) *engine.Engine {
	t.Helper()

	repo, err := repository.NewSQLiteRepository(t.Context(), filepath.Join(dir, "metadata.sqlite"))
	require.NoError(t, err)

	e, err := engine.New(repo, provider.KindFilesystem, chunks,
		engine.WithGCLock(lockfile.New(filepath.Join(dir, "gc.lock"))),
		engine.WithRetry(2, time.Millisecond, 5*time.Millisecond),
		engine.WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestCollectGarbageWaitsForPutsOfOtherEngines(t *testing.T) {
	t.Parallel()

	if !lockfile.Supported {
		t.Skip("file locks are not available on this platform")
	}

	payload := []byte("written by one process while another collects garbage")

	for _, call := range []string{"put", "exists"} {
		t.Run(call, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			serveChunks, err := provider.NewFilesystemProvider(dir)
			require.NoError(t, err)
			serve := openSharedEngine(t, dir, serveChunks)

			if call == "exists" {
				// An orphan left by an earlier failed put, about to be
				// reused through deduplication.
				id, err := chunk.Sum(storage.AlgorithmSHA256, payload)
				require.NoError(t, err)
				require.NoError(t, serveChunks.Put(t.Context(), id, payload))
			}

			var (
				stats    engine.GCStats
				finished atomic.Bool
				gcDone   = make(chan error, 1)
			)

			cliChunks, err := provider.NewFilesystemProvider(dir)
			require.NoError(t, err)
			hooked := &hookedProvider{Provider: cliChunks, call: call}
			hooked.hook = func() {
				go func() {
					var err error
					stats, err = serve.CollectGarbage(context.Background())
					finished.Store(true)
					gcDone <- err
				}()

				time.Sleep(50 * time.Millisecond)
				if finished.Load() {
					t.Error("garbage collection ran between a chunk write and its commit")
				}
			}
			cli := openSharedEngine(t, dir, hooked)

			m, err := cli.Put(t.Context(), "doc", bytes.NewReader(payload))
			require.NoError(t, err)
			require.NoError(t, <-gcDone)
			require.Equal(t, engine.GCStats{Manifests: 1, Referenced: 1, Scanned: 1, Deleted: 0}, stats)

			exists, err := serveChunks.Exists(t.Context(), m.Chunks[0].ID)
			require.NoError(t, err)
			require.True(t, exists, "the committed chunk survives the sweep")

			for _, e := range []*engine.Engine{cli, serve} {
				rc, err := e.Get(t.Context(), "doc")
				require.NoError(t, err)
				require.Equal(t, payload, readAll(t, rc))
			}
		})
	}
}
