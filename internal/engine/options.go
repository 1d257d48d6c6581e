package engine

import (
	"errors"
	"fmt"
	"time"

	"chunkstore/internal/chunk"
	"chunkstore/pkg/storage"

	"github.com/prometheus/client_golang/prometheus"
)

// Options tune an Engine. The zero value of any field selects its default.
type Options struct {
	// ChunkSize applies to new puts only; committed manifests keep their own.
	ChunkSize int
	Algorithm string

	// MaxInFlight caps concurrent chunk writes within one put.
	MaxInFlight int

	// ReadAhead is the number of chunks fetched concurrently by readers.
	ReadAhead int

	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// CacheSize is the number of verified chunks kept in memory. Negative
	// disables the cache.
	CacheSize int

	// Registerer receives the engine metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer

	// GCLock, when set, extends the exclusion between puts and garbage
	// collection to every engine sharing it.
	GCLock GCLock

	secondaries map[string]storage.Provider
}

// Option configures an Engine.
type Option func(*Options)

func WithChunkSize(size int) Option {
	return func(o *Options) {
		o.ChunkSize = size
	}
}

func WithAlgorithm(algorithm string) Option {
	return func(o *Options) {
		o.Algorithm = algorithm
	}
}

func WithMaxInFlight(n int) Option {
	return func(o *Options) {
		o.MaxInFlight = n
	}
}

func WithReadAhead(n int) Option {
	return func(o *Options) {
		o.ReadAhead = n
	}
}

// WithRetry sets the bounded exponential backoff applied to provider and
// repository I/O.
func WithRetry(maxRetries uint64, initial, maxBackoff time.Duration) Option {
	return func(o *Options) {
		o.MaxRetries = maxRetries
		o.InitialBackoff = initial
		o.MaxBackoff = maxBackoff
	}
}

func WithCacheSize(n int) Option {
	return func(o *Options) {
		o.CacheSize = n
	}
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *Options) {
		o.Registerer = reg
	}
}

func WithGCLock(l GCLock) Option {
	return func(o *Options) {
		o.GCLock = l
	}
}

// WithSecondaryProvider makes p available for reading chunks whose refs name
// it. New chunks are always written to the primary provider.
func WithSecondaryProvider(name string, p storage.Provider) Option {
	return func(o *Options) {
		if o.secondaries == nil {
			o.secondaries = map[string]storage.Provider{}
		}
		o.secondaries[name] = p
	}
}

func (o *Options) setDefaults() {
	if o.ChunkSize == 0 {
		o.ChunkSize = storage.DefaultChunkSize
	}
	if o.Algorithm == "" {
		o.Algorithm = storage.AlgorithmSHA256
	}
	if o.MaxInFlight == 0 {
		o.MaxInFlight = 4
	}
	if o.ReadAhead == 0 {
		o.ReadAhead = 2
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.InitialBackoff == 0 {
		o.InitialBackoff = 50 * time.Millisecond
	}
	if o.MaxBackoff == 0 {
		o.MaxBackoff = 2 * time.Second
	}
	if o.CacheSize == 0 {
		o.CacheSize = 64
	}
}

func (o *Options) validate() error {
	if o.ChunkSize < 0 || o.ChunkSize > storage.MaxChunkSize {
		return fmt.Errorf("invalid chunk size: %d", o.ChunkSize)
	}
	if o.MaxInFlight < 0 {
		return fmt.Errorf("invalid max in-flight writes: %d", o.MaxInFlight)
	}
	if o.InitialBackoff > o.MaxBackoff {
		return errors.New("initial backoff exceeds max backoff")
	}
	if _, err := chunk.NewHash(o.Algorithm); err != nil {
		return err
	}
	return nil
}
