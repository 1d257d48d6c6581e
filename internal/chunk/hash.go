package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"

	"chunkstore/pkg/storage"

	"github.com/zeebo/blake3"
)

// NewHash returns a streaming hash for the named content address algorithm.
func NewHash(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case storage.AlgorithmSHA256:
		return sha256.New(), nil
	case storage.AlgorithmBLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %q", algorithm)
	}
}

// Sum computes the content address of data.
func Sum(algorithm string, data []byte) (storage.ChunkID, error) {
	switch algorithm {
	case storage.AlgorithmSHA256:
		sum := sha256.Sum256(data)
		return storage.NewChunkID(algorithm, sum[:]), nil
	case storage.AlgorithmBLAKE3:
		sum := blake3.Sum256(data)
		return storage.NewChunkID(algorithm, sum[:]), nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %q", algorithm)
	}
}

// Verify recomputes the content address of data and compares it with id.
func Verify(id storage.ChunkID, data []byte) error {
	algorithm, hexDigest, err := storage.ParseChunkID(id)
	if err != nil {
		return err
	}

	actual, err := Sum(algorithm, data)
	if err != nil {
		return err
	}

	_, actualHex, _ := storage.ParseChunkID(actual)
	if actualHex != hexDigest {
		return fmt.Errorf("%w: chunk %s hashes to %s", storage.ErrChecksumMismatch, id, actual)
	}

	return nil
}

// Checksum formats the digest of a streaming hash as "<algorithm>:<hex>".
func Checksum(algorithm string, h hash.Hash) string {
	return algorithm + ":" + hex.EncodeToString(h.Sum(nil))
}
