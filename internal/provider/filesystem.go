package provider

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"chunkstore/pkg/storage"

	"github.com/natefinch/atomic"
)

// ChunkPath computes the full filesystem path for the chunk identified by id
// below directory: <directory>/<algorithm>/<hex[:2]>/<hex>.
func ChunkPath(directory string, id storage.ChunkID) (string, error) {
	algorithm, hexDigest, err := storage.ParseChunkID(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(directory, algorithm, hexDigest[:2], hexDigest), nil
}

// StageAndReplace writes data to a new file in stagingDir, syncs it, and then
// atomically replaces destPath with it. Readers either see the previous file
// or the complete new one. A missing stagingDir is recreated.
func StageAndReplace(stagingDir string, destPath string, data []byte) error {
	tmp, err := os.CreateTemp(stagingDir, ".chunk-*")
	if os.IsNotExist(err) {
		if err := os.MkdirAll(stagingDir, 0o755); err != nil {
			return fmt.Errorf("create staging dir: %w", err)
		}
		tmp, err = os.CreateTemp(stagingDir, ".chunk-*")
	}
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write staging file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync staging file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close staging file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := atomic.ReplaceFile(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace %s: %w", destPath, err)
	}

	return nil
}

// WalkChunks calls fn for every well-formed chunk file below directory.
// Files whose names do not form a valid ChunkID are skipped.
func WalkChunks(directory string, fn func(id storage.ChunkID) error) error {
	err := filepath.WalkDir(directory, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(directory, path)
		if err != nil {
			return err
		}

		// <algorithm>/<xx>/<hex>
		algorithm := filepath.Dir(filepath.Dir(rel))
		id := storage.ChunkID(algorithm + ":" + d.Name())
		if _, _, err := storage.ParseChunkID(id); err != nil {
			return nil
		}

		return fn(id)
	})

	if os.IsNotExist(err) {
		return nil
	}
	return err
}
