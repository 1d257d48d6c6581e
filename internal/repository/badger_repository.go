package repository

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"chunkstore/pkg/storage"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
)

const manifestKeyPrefix = "manifest:"

// maxConflictRetries bounds how often a commit is replayed after losing a
// transaction conflict.
const maxConflictRetries = 16

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("repository: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("repository: CBOR decoder initialization failed: " + err.Error())
	}
}

// BadgerRepository stores CBOR encoded manifests in an embedded Badger
// key-value store, keyed manifest:<object id>.
type BadgerRepository struct {
	db *badger.DB
}

var _ Repository = (*BadgerRepository)(nil)

// NewBadgerRepository opens the Badger database in dir. An empty dir keeps
// everything in memory.
func NewBadgerRepository(dir string) (*BadgerRepository, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}

	return &BadgerRepository{db: db}, nil
}

func manifestKey(id string) []byte {
	return []byte(manifestKeyPrefix + id)
}

func decodeManifest(item *badger.Item) (storage.Manifest, error) {
	var m storage.Manifest
	err := item.Value(func(val []byte) error {
		return decMode.Unmarshal(val, &m)
	})
	if err != nil {
		return storage.Manifest{}, fmt.Errorf("decode manifest %q: %w", item.Key(), err)
	}
	return m, nil
}

func (r *BadgerRepository) Commit(ctx context.Context, id string, m storage.Manifest) (storage.Manifest, error) {
	return r.commit(ctx, id, m, nil)
}

func (r *BadgerRepository) CommitIfVersion(ctx context.Context, id string, m storage.Manifest, expected uint64) (storage.Manifest, error) {
	return r.commit(ctx, id, m, &expected)
}

func (r *BadgerRepository) commit(ctx context.Context, id string, m storage.Manifest, expected *uint64) (storage.Manifest, error) {
	if _, err := prepare(id, m, 1); err != nil {
		return storage.Manifest{}, err
	}

	var stored storage.Manifest
	update := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		err := r.db.Update(func(txn *badger.Txn) error {
			var current uint64
			item, err := txn.Get(manifestKey(id))
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
			case err != nil:
				return err
			default:
				previous, err := decodeManifest(item)
				if err != nil {
					return err
				}
				current = previous.Version
			}

			if err := checkVersion(id, current, expected); err != nil {
				return err
			}

			stored, err = prepare(id, m, current+1)
			if err != nil {
				return err
			}

			if stored.CreatedAt.IsZero() {
				stored.CreatedAt = time.Now().UTC()
			}

			val, err := encMode.Marshal(stored)
			if err != nil {
				return fmt.Errorf("encode manifest: %w", err)
			}

			return txn.Set(manifestKey(id), val)
		})

		if errors.Is(err, badger.ErrConflict) {
			slog.Debug("Retrying manifest commit after conflict", "object", id)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), maxConflictRetries)
	if err := backoff.Retry(update, backoff.WithContext(policy, ctx)); err != nil {
		return storage.Manifest{}, repositoryError("commit", id, err)
	}

	slog.Debug("Committed manifest", "object", id, "version", stored.Version, "chunks", len(stored.Chunks))
	return stored, nil
}

func (r *BadgerRepository) Lookup(ctx context.Context, id string) (storage.Manifest, error) {
	var m storage.Manifest
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(manifestKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: object %q", storage.ErrNotFound, id)
		}
		if err != nil {
			return err
		}

		m, err = decodeManifest(item)
		return err
	})
	if err != nil {
		return storage.Manifest{}, repositoryError("lookup", id, err)
	}

	return m, nil
}

func (r *BadgerRepository) Remove(ctx context.Context, id string) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(manifestKey(id))
	})
	if err != nil {
		return repositoryError("remove", id, err)
	}
	return nil
}

func (r *BadgerRepository) List(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		var ids []string
		err := r.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = manifestKey(prefix)

			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				ids = append(ids, string(it.Item().Key()[len(manifestKeyPrefix):]))
			}
			return nil
		})
		if err != nil {
			yield("", repositoryError("list", prefix, err))
			return
		}

		for _, id := range ids {
			if !yield(id, nil) {
				return
			}
		}
	}
}

func (r *BadgerRepository) Manifests(ctx context.Context) iter.Seq2[storage.Manifest, error] {
	return func(yield func(storage.Manifest, error) bool) {
		var manifests []storage.Manifest
		err := r.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte(manifestKeyPrefix)

			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}

				m, err := decodeManifest(it.Item())
				if err != nil {
					return err
				}
				manifests = append(manifests, m)
			}
			return nil
		})
		if err != nil {
			yield(storage.Manifest{}, repositoryError("scan", "*", err))
			return
		}

		for _, m := range manifests {
			if !yield(m, nil) {
				return
			}
		}
	}
}

// Close closes the underlying database.
func (r *BadgerRepository) Close() error {
	return r.db.Close()
}
