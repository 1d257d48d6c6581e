// Package engine stores whole objects as content-addressed chunks held by a
// Provider, with a Repository tracking the manifest of every object.
//
// An object becomes visible only when its manifest is committed, which
// happens strictly after every one of its chunks has been written. Failed or
// cancelled puts leave the previous state in place; any chunks they managed
// to write are orphans that garbage collection later reclaims.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"time"

	"chunkstore/internal/chunk"
	"chunkstore/internal/repository"
	"chunkstore/pkg/storage"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Engine orchestrates chunking, provider I/O and manifest commits.
type Engine struct {
	repo        repository.Repository
	primaryName string
	primary     storage.Provider
	providers   map[string]storage.Provider

	opts    Options
	cache   *lru.Cache[storage.ChunkID, []byte]
	metrics *metrics

	// gcMu is held shared by puts from their first chunk write through
	// commit, and exclusively by garbage collection. opts.GCLock extends
	// the same exclusion to other engines.
	gcMu sync.RWMutex
}

// New creates an Engine writing new chunks to primary, which is recorded in
// manifests under primaryName. The engine owns repo and every provider and
// closes them on Close.
func New(repo repository.Repository, primaryName string, primary storage.Provider, opts ...Option) (*Engine, error) {
	if repo == nil || primary == nil {
		return nil, errors.New("engine requires a repository and a primary provider")
	}
	if primaryName == "" {
		return nil, errors.New("primary provider name must not be empty")
	}

	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	o.setDefaults()
	if err := o.validate(); err != nil {
		return nil, err
	}

	providers := map[string]storage.Provider{primaryName: primary}
	for name, p := range o.secondaries {
		if _, ok := providers[name]; ok {
			return nil, fmt.Errorf("duplicate provider name %q", name)
		}
		providers[name] = p
	}

	m, err := newMetrics(o.Registerer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	e := &Engine{
		repo:        repo,
		primaryName: primaryName,
		primary:     primary,
		providers:   providers,
		opts:        o,
		metrics:     m,
	}

	if o.CacheSize > 0 {
		e.cache, err = lru.New[storage.ChunkID, []byte](o.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("create chunk cache: %w", err)
		}
	}

	return e, nil
}

// PutOption configures a single Put.
type PutOption func(*putOptions)

type putOptions struct {
	ifVersion *uint64
}

// IfVersion makes the commit conditional on the object currently being at
// version v. Zero requires the object to be absent.
func IfVersion(v uint64) PutOption {
	return func(o *putOptions) {
		o.ifVersion = &v
	}
}

// Put stores the contents of r as object id, replacing any previous object
// once every chunk is durable.
func (e *Engine) Put(ctx context.Context, id string, r io.Reader, opts ...PutOption) (storage.Manifest, error) {
	var po putOptions
	for _, opt := range opts {
		opt(&po)
	}

	start := time.Now()
	m, err := e.put(ctx, id, r, po)
	e.metrics.observe("put", err)
	if err != nil {
		slog.Error("Put failed", "object", id, "error", err)
		return storage.Manifest{}, err
	}

	slog.Info("Stored object", "object", id, "size", m.Size, "chunks", len(m.Chunks),
		"version", m.Version, "duration", time.Since(start))
	return m, nil
}

// Create stores r under a freshly generated object id.
func (e *Engine) Create(ctx context.Context, r io.Reader) (storage.Manifest, error) {
	return e.Put(ctx, uuid.NewString(), r, IfVersion(0))
}

func (e *Engine) put(ctx context.Context, id string, r io.Reader, po putOptions) (storage.Manifest, error) {
	if err := storage.ValidateObjectID(id); err != nil {
		return storage.Manifest{}, err
	}

	e.gcMu.RLock()
	defer e.gcMu.RUnlock()

	if e.opts.GCLock != nil {
		release, err := e.opts.GCLock.Shared(ctx)
		if err != nil {
			return storage.Manifest{}, fmt.Errorf("acquire gc lock: %w", err)
		}
		defer releaseGCLock(release)
	}

	h, err := chunk.NewHash(e.opts.Algorithm)
	if err != nil {
		return storage.Manifest{}, err
	}

	m := storage.Manifest{
		ObjectID:  id,
		ChunkSize: int64(e.opts.ChunkSize),
		CreatedAt: time.Now().UTC(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.MaxInFlight)

	var readErr error
	for c, err := range chunk.Split(r, e.opts.ChunkSize) {
		if err != nil {
			readErr = fmt.Errorf("read object data: %w", err)
			break
		}

		// A failed write cancels gctx; stop reading the stream.
		if gctx.Err() != nil {
			break
		}

		_, _ = h.Write(c.Data)
		chunkID, err := chunk.Sum(e.opts.Algorithm, c.Data)
		if err != nil {
			readErr = err
			break
		}

		m.Chunks = append(m.Chunks, storage.ChunkRef{
			ID:       chunkID,
			Size:     int64(len(c.Data)),
			Provider: e.primaryName,
		})
		m.Size += int64(len(c.Data))

		g.Go(func() error {
			return e.writeChunk(gctx, chunkID, c.Data)
		})
	}

	writeErr := g.Wait()
	switch {
	case writeErr != nil:
		return storage.Manifest{}, writeErr
	case readErr != nil:
		return storage.Manifest{}, readErr
	}

	// Nothing is committed once the caller has given up.
	if err := ctx.Err(); err != nil {
		return storage.Manifest{}, err
	}

	m.Checksum = chunk.Checksum(e.opts.Algorithm, h)
	return e.commit(ctx, id, m, po.ifVersion)
}

// writeChunk makes sure the primary provider holds the chunk.
func (e *Engine) writeChunk(ctx context.Context, id storage.ChunkID, data []byte) error {
	err := e.retry(ctx, "put_chunk", func() error {
		exists, err := e.primary.Exists(ctx, id)
		if err != nil {
			return err
		}
		if exists {
			e.metrics.dedupHits.Inc()
			return nil
		}

		if err := e.primary.Put(ctx, id, data); err != nil {
			return err
		}
		e.metrics.bytesWritten.Add(float64(len(data)))
		return nil
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, storage.ErrChecksumMismatch):
		return err
	default:
		return fmt.Errorf("%w: write chunk %s: %w", storage.ErrProviderFailure, id, err)
	}
}

func (e *Engine) commit(ctx context.Context, id string, m storage.Manifest, ifVersion *uint64) (storage.Manifest, error) {
	var stored storage.Manifest
	err := e.retry(ctx, "commit", func() error {
		var err error
		if ifVersion != nil {
			stored, err = e.repo.CommitIfVersion(ctx, id, m, *ifVersion)
		} else {
			stored, err = e.repo.Commit(ctx, id, m)
		}
		return err
	})
	if err != nil {
		return storage.Manifest{}, err
	}

	return stored, nil
}

// lookup fetches the manifest of id, retrying repository faults.
func (e *Engine) lookup(ctx context.Context, id string) (storage.Manifest, error) {
	var m storage.Manifest
	err := e.retry(ctx, "lookup", func() error {
		var err error
		m, err = e.repo.Lookup(ctx, id)
		return err
	})
	return m, err
}

// Get returns a reader over the whole object. Chunks are fetched lazily as
// the reader is consumed; every chunk is verified against its id.
func (e *Engine) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	rc, err := e.open(ctx, id, nil)
	e.metrics.observe("get", err)
	return rc, err
}

// GetRange returns a reader over bytes [start, end) of the object.
func (e *Engine) GetRange(ctx context.Context, id string, start, end int64) (io.ReadCloser, error) {
	rng := storage.ByteRange{Start: start, End: end}
	rc, err := e.open(ctx, id, &rng)
	e.metrics.observe("get_range", err)
	return rc, err
}

func (e *Engine) open(ctx context.Context, id string, rng *storage.ByteRange) (io.ReadCloser, error) {
	// A malformed range is rejected before the object is even looked up.
	if rng != nil && (rng.Start < 0 || rng.Start > rng.End) {
		return nil, fmt.Errorf("%w: [%d, %d)", storage.ErrRangeOutOfBounds, rng.Start, rng.End)
	}

	m, err := e.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	return chunk.NewReader(ctx, m, e.fetch, rng, e.opts.ReadAhead)
}

func (e *Engine) providerFor(ref storage.ChunkRef) storage.Provider {
	if p, ok := e.providers[ref.Provider]; ok {
		return p
	}
	return e.primary
}

// fetch returns the verified bytes of a chunk, from the cache when possible.
func (e *Engine) fetch(ctx context.Context, ref storage.ChunkRef) ([]byte, error) {
	if e.cache != nil {
		if data, ok := e.cache.Get(ref.ID); ok {
			e.metrics.cacheHits.Inc()
			return data, nil
		}
	}

	p := e.providerFor(ref)

	var data []byte
	err := e.retry(ctx, "get_chunk", func() error {
		d, err := p.Get(ctx, ref.ID)
		if err != nil {
			return err
		}
		if err := chunk.Verify(ref.ID, d); err != nil {
			return err
		}
		data = d
		return nil
	})

	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, storage.ErrChecksumMismatch):
		return nil, err
	case errors.Is(err, storage.ErrNotFound):
		// A chunk missing under a committed manifest is a backend fault, not
		// an absent object.
		return nil, fmt.Errorf("%w: chunk %s missing from provider %q: %v", storage.ErrProviderFailure, ref.ID, ref.Provider, err)
	default:
		return nil, fmt.Errorf("%w: read chunk %s: %w", storage.ErrProviderFailure, ref.ID, err)
	}

	e.metrics.bytesRead.Add(float64(len(data)))
	if e.cache != nil {
		e.cache.Add(ref.ID, data)
	}
	return data, nil
}

// Stat returns the committed manifest of id.
func (e *Engine) Stat(ctx context.Context, id string) (storage.Manifest, error) {
	m, err := e.lookup(ctx, id)
	e.metrics.observe("stat", err)
	return m, err
}

// Delete removes the manifest of id. Its chunks stay until garbage
// collection finds them unreferenced. Deleting an absent object succeeds.
func (e *Engine) Delete(ctx context.Context, id string) error {
	err := e.retry(ctx, "remove", func() error {
		return e.repo.Remove(ctx, id)
	})
	e.metrics.observe("delete", err)
	if err != nil {
		return err
	}

	slog.Info("Deleted object", "object", id)
	return nil
}

// List yields the ids of committed objects starting with prefix.
func (e *Engine) List(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for id, err := range e.repo.List(ctx, prefix) {
			if err != nil {
				e.metrics.observe("list", err)
				yield("", err)
				return
			}
			if !yield(id, nil) {
				break
			}
		}
		e.metrics.observe("list", nil)
	}
}

// Close releases the repository and every provider.
func (e *Engine) Close() error {
	err := e.repo.Close()
	for name, p := range e.providers {
		if closeErr := p.Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("close provider %q: %w", name, closeErr))
		}
	}
	return err
}
