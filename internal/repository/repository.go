// Package repository persists object manifests. A manifest becomes visible
// to readers only once Commit returns, and replacing one is atomic.
package repository

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"chunkstore/pkg/storage"
)

// Repository maps object ids to their committed manifests.
type Repository interface {
	// Commit stores m under id, replacing any previous manifest. The stored
	// manifest, with its new version, is returned.
	Commit(ctx context.Context, id string, m storage.Manifest) (storage.Manifest, error)

	// CommitIfVersion behaves like Commit but fails with
	// storage.ErrVersionConflict unless the stored version equals expected.
	// An expected version of 0 requires the object to be absent.
	CommitIfVersion(ctx context.Context, id string, m storage.Manifest, expected uint64) (storage.Manifest, error)

	Lookup(ctx context.Context, id string) (storage.Manifest, error)

	// Remove deletes the manifest for id. Removing an absent id succeeds.
	Remove(ctx context.Context, id string) error

	// List yields the ids starting with prefix in lexicographical order, as
	// of the moment iteration starts.
	List(ctx context.Context, prefix string) iter.Seq2[string, error]

	// Manifests yields every committed manifest.
	Manifests(ctx context.Context) iter.Seq2[storage.Manifest, error]

	Close() error
}

// Kinds of repository understood by Open.
const (
	KindSQLite = "sqlite"
	KindBadger = "badger"
)

// Config selects and parameterizes a Repository.
type Config struct {
	Kind string
	Path string
}

// Open constructs the repository described by cfg.
func Open(ctx context.Context, cfg Config) (Repository, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", KindSQLite:
		return NewSQLiteRepository(ctx, cfg.Path)
	case KindBadger:
		return NewBadgerRepository(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown repository kind %q", cfg.Kind)
	}
}

// prepare validates m for storage under id at the given version.
func prepare(id string, m storage.Manifest, version uint64) (storage.Manifest, error) {
	if m.ObjectID != "" && m.ObjectID != id {
		return storage.Manifest{}, fmt.Errorf("%w: manifest for %q committed as %q", storage.ErrInvalidManifest, m.ObjectID, id)
	}

	m.ObjectID = id
	m.Version = version
	if err := m.Validate(); err != nil {
		return storage.Manifest{}, err
	}

	return m, nil
}

// checkVersion enforces the optimistic concurrency token of CommitIfVersion.
func checkVersion(id string, current uint64, expected *uint64) error {
	if expected != nil && *expected != current {
		return fmt.Errorf("%w: %q is at version %d, expected %d", storage.ErrVersionConflict, id, current, *expected)
	}
	return nil
}
