package provider

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"chunkstore/internal/chunk"
	"chunkstore/pkg/storage"

	"github.com/google/uuid"
)

// FilesystemProvider is a Provider implementation that stores chunk payloads
// on the local filesystem under a content-addressed layout rooted at dataDir.
// Chunks live below <dataDir>/chunks, grouped by algorithm and by the first
// two characters of their digest. Writes are staged in a directory below
// <dataDir>/staging owned by this provider alone and atomically renamed into
// place, so several processes may share one data dir.
type FilesystemProvider struct {
	dataDir     string
	staging     string
	compression Compression
}

// StaleStagingAge is how long a staging directory may go unmodified before a
// provider opening the same data dir treats it as abandoned and removes it.
const StaleStagingAge = 24 * time.Hour

var (
	_ storage.Provider    = (*FilesystemProvider)(nil)
	_ storage.ChunkLister = (*FilesystemProvider)(nil)
)

// FilesystemOption configures a FilesystemProvider.
type FilesystemOption func(*FilesystemProvider)

// WithFilesystemCompression sets the compression applied to newly written
// chunks.
func WithFilesystemCompression(c Compression) FilesystemOption {
	return func(p *FilesystemProvider) {
		p.compression = c
	}
}

// NewFilesystemProvider creates a new FilesystemProvider rooted at dataDir.
// Staging directories abandoned by crashed processes are removed once they
// are older than StaleStagingAge.
func NewFilesystemProvider(dataDir string, opts ...FilesystemOption) (*FilesystemProvider, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("filesystem provider: data dir must not be empty")
	}

	p := &FilesystemProvider{dataDir: dataDir, staging: uuid.NewString()}
	for _, opt := range opts {
		opt(p)
	}

	for _, dir := range []string{p.chunksDir(), p.stagingRoot()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if err := removeStaleStaging(p.stagingRoot(), StaleStagingAge); err != nil {
		return nil, fmt.Errorf("clear staging dir: %w", err)
	}

	if err := os.MkdirAll(p.stagingDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	return p, nil
}

// removeStaleStaging removes every entry of root not modified within age.
func removeStaleStaging(root string, age time.Duration) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		info, err := entry.Info()
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return err
		}
		if time.Since(info.ModTime()) < age {
			continue
		}

		path := filepath.Join(root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return err
		}
		slog.Info("Removed abandoned staging data", "path", path, "modified", info.ModTime())
	}
	return nil
}

func (p *FilesystemProvider) chunksDir() string {
	return filepath.Join(p.dataDir, "chunks")
}

func (p *FilesystemProvider) stagingRoot() string {
	return filepath.Join(p.dataDir, "staging")
}

func (p *FilesystemProvider) stagingDir() string {
	return filepath.Join(p.stagingRoot(), p.staging)
}

func (p *FilesystemProvider) Put(ctx context.Context, id storage.ChunkID, data []byte) error {
	if err := chunk.Verify(id, data); err != nil {
		return err
	}

	chunkPath, err := ChunkPath(p.chunksDir(), id)
	if err != nil {
		return err
	}

	// Content addressing makes an existing file with this name a complete
	// copy of the same bytes.
	if _, err := os.Stat(chunkPath); err == nil {
		return nil
	}

	blob, err := encodeBlob(data, p.compression)
	if err != nil {
		return err
	}

	if err := StageAndReplace(p.stagingDir(), chunkPath, blob); err != nil {
		return err
	}

	slog.Debug("Stored chunk", "chunk", id, "size", len(data), "stored_size", len(blob))
	return nil
}

func (p *FilesystemProvider) Get(ctx context.Context, id storage.ChunkID) ([]byte, error) {
	chunkPath, err := ChunkPath(p.chunksDir(), id)
	if err != nil {
		return nil, err
	}

	blob, err := os.ReadFile(chunkPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("chunk %s: %w", id, storage.ErrNotFound)
		}
		return nil, err
	}

	return decodeBlob(blob)
}

func (p *FilesystemProvider) Exists(ctx context.Context, id storage.ChunkID) (bool, error) {
	chunkPath, err := ChunkPath(p.chunksDir(), id)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(chunkPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *FilesystemProvider) Delete(ctx context.Context, id storage.ChunkID) error {
	chunkPath, err := ChunkPath(p.chunksDir(), id)
	if err != nil {
		return err
	}

	if err := os.Remove(chunkPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Chunks lists every chunk currently stored. The directory tree is walked
// once up front so the sequence reflects the state at call time.
func (p *FilesystemProvider) Chunks(ctx context.Context) iter.Seq2[storage.ChunkID, error] {
	return func(yield func(storage.ChunkID, error) bool) {
		var ids []storage.ChunkID
		err := WalkChunks(p.chunksDir(), func(id storage.ChunkID) error {
			ids = append(ids, id)
			return ctx.Err()
		})
		if err != nil {
			yield("", err)
			return
		}

		for _, id := range ids {
			if !yield(id, nil) {
				return
			}
		}
	}
}

// Close removes the staging directory of this provider.
func (p *FilesystemProvider) Close() error {
	return os.RemoveAll(p.stagingDir())
}
