package repository

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"chunkstore/pkg/storage"

	"github.com/cespare/xxhash/v2"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

// SQLiteRepository stores manifests in a SQLite database: one row per
// object plus one ordered row per chunk reference.
type SQLiteRepository struct {
	db *sql.DB

	// locks serializes writers of the same object id. Ids are striped over
	// a fixed set of mutexes.
	locks [lockStripes]sync.Mutex
}

const lockStripes = 64

var _ Repository = (*SQLiteRepository)(nil)

// initSchema applies all SQL files in the embedded migrations in
// lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Debug("Running migration", "path", path)
		if _, execError := db.ExecContext(ctx, string(content)); execError != nil {
			return fmt.Errorf("migration %s: %w", path, execError)
		}
		return nil
	})
}

// NewSQLiteRepository opens (creating if needed) the database at dbPath and
// brings its schema up to date.
func NewSQLiteRepository(ctx context.Context, dbPath string) (*SQLiteRepository, error) {
	if dbPath == "" {
		return nil, errors.New("database path must not be empty")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return newSQLRepository(db), nil
}

func newSQLRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// withTransaction runs a function within a database transaction.
func withTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return fmt.Errorf("error executing transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return nil
}

func (r *SQLiteRepository) lock(id string) func() {
	mu := &r.locks[lockStripe(id)]
	mu.Lock()
	return mu.Unlock
}

func lockStripe(id string) uint64 {
	return xxhash.Sum64String(id) % lockStripes
}

// repositoryError classifies err, leaving the sentinel kinds callers act on
// untouched.
func repositoryError(op, id string, err error) error {
	switch {
	case errors.Is(err, storage.ErrVersionConflict),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrInvalidManifest),
		errors.Is(err, storage.ErrInvalidObjectID):
		return err
	}
	return fmt.Errorf("%w: %s %q: %w", storage.ErrRepositoryFailure, op, id, err)
}

func (r *SQLiteRepository) Commit(ctx context.Context, id string, m storage.Manifest) (storage.Manifest, error) {
	return r.commit(ctx, id, m, nil)
}

func (r *SQLiteRepository) CommitIfVersion(ctx context.Context, id string, m storage.Manifest, expected uint64) (storage.Manifest, error) {
	return r.commit(ctx, id, m, &expected)
}

func (r *SQLiteRepository) commit(ctx context.Context, id string, m storage.Manifest, expected *uint64) (storage.Manifest, error) {
	if _, err := prepare(id, m, 1); err != nil {
		return storage.Manifest{}, err
	}

	unlock := r.lock(id)
	defer unlock()

	var stored storage.Manifest
	err := withTransaction(ctx, r.db, func(tx *sql.Tx) error {
		var current uint64
		err := tx.QueryRowContext(ctx, `SELECT version FROM manifests WHERE object_id = ?`, id).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read version: %w", err)
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

		if _, err := tx.ExecContext(ctx, `DELETE FROM manifest_chunks WHERE object_id = ?`, id); err != nil {
			return fmt.Errorf("delete chunk refs: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO manifests(object_id, size, checksum, chunk_size, version, created_at)
			VALUES(?, ?, ?, ?, ?, ?)
			ON CONFLICT(object_id) DO UPDATE SET
				size = excluded.size,
				checksum = excluded.checksum,
				chunk_size = excluded.chunk_size,
				version = excluded.version,
				created_at = excluded.created_at`,
			id, stored.Size, stored.Checksum, stored.ChunkSize, stored.Version, stored.CreatedAt,
		); err != nil {
			return fmt.Errorf("upsert manifest: %w", err)
		}

		for seq, ref := range stored.Chunks {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO manifest_chunks(object_id, seq, chunk_id, size, provider) VALUES(?, ?, ?, ?, ?)`,
				id, seq, string(ref.ID), ref.Size, ref.Provider,
			); err != nil {
				return fmt.Errorf("insert chunk ref %d: %w", seq, err)
			}
		}

		return nil
	})
	if err != nil {
		return storage.Manifest{}, repositoryError("commit", id, err)
	}

	slog.Debug("Committed manifest", "object", id, "version", stored.Version, "chunks", len(stored.Chunks))
	return stored, nil
}

func (r *SQLiteRepository) Lookup(ctx context.Context, id string) (storage.Manifest, error) {
	manifests, err := r.queryManifests(ctx, `WHERE m.object_id = ?`, id)
	if err != nil {
		return storage.Manifest{}, repositoryError("lookup", id, err)
	}

	if len(manifests) == 0 {
		return storage.Manifest{}, fmt.Errorf("%w: object %q", storage.ErrNotFound, id)
	}

	return manifests[0], nil
}

func (r *SQLiteRepository) Remove(ctx context.Context, id string) error {
	unlock := r.lock(id)
	defer unlock()

	err := withTransaction(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM manifest_chunks WHERE object_id = ?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM manifests WHERE object_id = ?`, id)
		return err
	})
	if err != nil {
		return repositoryError("remove", id, err)
	}

	return nil
}

func (r *SQLiteRepository) List(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ids, err := r.listIDs(ctx, prefix)
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

// listIDs reads the whole listing before returning so no read transaction
// stays open while callers consume it.
func (r *SQLiteRepository) listIDs(ctx context.Context, prefix string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT object_id FROM manifests WHERE substr(object_id, 1, length(?)) = ? ORDER BY object_id`,
		prefix, prefix,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func (r *SQLiteRepository) Manifests(ctx context.Context) iter.Seq2[storage.Manifest, error] {
	return func(yield func(storage.Manifest, error) bool) {
		manifests, err := r.queryManifests(ctx, "")
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

// queryManifests loads manifests together with their ordered chunk refs in
// a single statement, so each result is a consistent snapshot.
func (r *SQLiteRepository) queryManifests(ctx context.Context, where string, args ...any) ([]storage.Manifest, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT m.object_id, m.size, m.checksum, m.chunk_size, m.version, m.created_at,
			c.chunk_id, c.size, c.provider
		FROM manifests m
		LEFT JOIN manifest_chunks c ON c.object_id = m.object_id
		`+where+`
		ORDER BY m.object_id, c.seq`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var manifests []storage.Manifest
	for rows.Next() {
		var (
			m        storage.Manifest
			chunkID  sql.NullString
			size     sql.NullInt64
			provider sql.NullString
		)
		if err := rows.Scan(&m.ObjectID, &m.Size, &m.Checksum, &m.ChunkSize, &m.Version, &m.CreatedAt,
			&chunkID, &size, &provider); err != nil {
			return nil, fmt.Errorf("scan manifest: %w", err)
		}

		if n := len(manifests); n == 0 || manifests[n-1].ObjectID != m.ObjectID {
			manifests = append(manifests, m)
		}

		if chunkID.Valid {
			last := &manifests[len(manifests)-1]
			last.Chunks = append(last.Chunks, storage.ChunkRef{
				ID:       storage.ChunkID(chunkID.String),
				Size:     size.Int64,
				Provider: provider.String,
			})
		}
	}

	return manifests, rows.Err()
}

// Close closes the underlying database.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
