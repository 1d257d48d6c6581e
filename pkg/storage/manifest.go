package storage

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// DefaultChunkSize is the size of every chunk except possibly the last one.
const DefaultChunkSize = 1024 * 1024

// MaxChunkSize bounds the chunk size of new objects and the decoded size of
// any stored chunk.
const MaxChunkSize = 1 << 30

// Supported content address algorithms.
const (
	AlgorithmSHA256 = "sha256"
	AlgorithmBLAKE3 = "blake3"
)

// ChunkID is the content address of a chunk, formatted as
// "<algorithm>:<lowercase hex digest>".
type ChunkID string

// NewChunkID formats a digest produced by algorithm as a ChunkID.
func NewChunkID(algorithm string, digest []byte) ChunkID {
	return ChunkID(algorithm + ":" + hex.EncodeToString(digest))
}

// ParseChunkID splits id into its algorithm and hex digest, validating both.
func ParseChunkID(id ChunkID) (algorithm string, hexDigest string, err error) {
	algorithm, hexDigest, ok := strings.Cut(string(id), ":")
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidChunkID, id)
	}

	switch algorithm {
	case AlgorithmSHA256, AlgorithmBLAKE3:
	default:
		return "", "", fmt.Errorf("%w: unknown algorithm %q", ErrInvalidChunkID, algorithm)
	}

	// Both supported algorithms produce 32 byte digests.
	if len(hexDigest) != 64 {
		return "", "", fmt.Errorf("%w: invalid digest length: %d", ErrInvalidChunkID, len(hexDigest))
	}

	if strings.ToLower(hexDigest) != hexDigest {
		return "", "", fmt.Errorf("%w: digest must be lowercase hex", ErrInvalidChunkID)
	}

	if _, err := hex.DecodeString(hexDigest); err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidChunkID, err)
	}

	return algorithm, hexDigest, nil
}

// String implements fmt.Stringer.
func (id ChunkID) String() string {
	return string(id)
}

// ChunkRef is a single entry of a Manifest.
type ChunkRef struct {
	ID   ChunkID `cbor:"1,keyasint" json:"id"`
	Size int64   `cbor:"2,keyasint" json:"size"`

	// Provider names the backend holding the chunk.
	Provider string `cbor:"3,keyasint" json:"provider,omitempty"`
}

// Manifest describes how to reassemble one object from its chunks. Chunk
// order is load-bearing: it defines byte offsets.
type Manifest struct {
	ObjectID  string     `cbor:"1,keyasint" json:"object_id"`
	Size      int64      `cbor:"2,keyasint" json:"size"`
	Checksum  string     `cbor:"3,keyasint" json:"checksum"`
	ChunkSize int64      `cbor:"4,keyasint" json:"chunk_size"`
	Chunks    []ChunkRef `cbor:"5,keyasint" json:"chunks"`
	Version   uint64     `cbor:"6,keyasint" json:"version"`
	CreatedAt time.Time  `cbor:"7,keyasint" json:"created_at"`
}

// Validate checks the structural invariants of the manifest.
func (m Manifest) Validate() error {
	if err := ValidateObjectID(m.ObjectID); err != nil {
		return err
	}

	if m.Size < 0 {
		return fmt.Errorf("%w: negative size %d", ErrInvalidManifest, m.Size)
	}

	if len(m.Chunks) > 0 && m.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size must be positive", ErrInvalidManifest)
	}

	var total int64
	for i, ref := range m.Chunks {
		if _, _, err := ParseChunkID(ref.ID); err != nil {
			return fmt.Errorf("%w: chunk %d: %w", ErrInvalidManifest, i, err)
		}

		last := i == len(m.Chunks)-1
		switch {
		case ref.Size <= 0 || ref.Size > m.ChunkSize:
			return fmt.Errorf("%w: chunk %d has size %d", ErrInvalidManifest, i, ref.Size)
		case !last && ref.Size != m.ChunkSize:
			return fmt.Errorf("%w: chunk %d is short (%d of %d bytes)", ErrInvalidManifest, i, ref.Size, m.ChunkSize)
		}

		total += ref.Size
	}

	if total != m.Size {
		return fmt.Errorf("%w: chunks sum to %d bytes, manifest records %d", ErrInvalidManifest, total, m.Size)
	}

	return nil
}

// ByteRange is a half-open byte range [Start, End).
type ByteRange struct {
	Start int64
	End   int64
}

// Len returns the number of bytes covered by the range.
func (r ByteRange) Len() int64 {
	return r.End - r.Start
}

// Check validates r against an object of the given size.
func (r ByteRange) Check(size int64) error {
	if r.Start < 0 || r.Start > r.End || r.End > size {
		return fmt.Errorf("%w: [%d, %d) for object of %d bytes", ErrRangeOutOfBounds, r.Start, r.End, size)
	}
	return nil
}

// ValidateObjectID enforces basic key constraints: non-empty, at most 1024
// bytes, and no control characters.
func ValidateObjectID(id string) error {
	if len(id) == 0 || len(id) > 1024 {
		return fmt.Errorf("%w: length %d", ErrInvalidObjectID, len(id))
	}

	if strings.ContainsFunc(id, func(c rune) bool {
		return c < 0x20 || c == 0x7f
	}) {
		return fmt.Errorf("%w: contains control characters", ErrInvalidObjectID)
	}

	return nil
}
