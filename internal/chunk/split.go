// Package chunk splits payloads into fixed-size chunks and reassembles them
// from a manifest. Nothing here performs I/O on its own; reassembly pulls
// chunk bytes through a caller-supplied Fetcher.
package chunk

import (
	"errors"
	"fmt"
	"io"
	"iter"
)

// Chunk is one contiguous span of a payload.
type Chunk struct {
	Index int
	Data  []byte
}

// Split lazily cuts r into chunks of exactly size bytes, except for the last
// chunk which holds the remainder. An empty reader yields no chunks.
//
// Every chunk owns its buffer, so callers may hand chunks to other goroutines.
// The sequence can only be restarted by re-reading the source from the start.
func Split(r io.Reader, size int) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		if size <= 0 {
			yield(Chunk{}, fmt.Errorf("invalid chunk size: %d", size))
			return
		}

		for index := 0; ; index++ {
			buf := make([]byte, size)
			n, err := io.ReadFull(r, buf)

			switch {
			case errors.Is(err, io.EOF):
				return
			case errors.Is(err, io.ErrUnexpectedEOF):
				yield(Chunk{Index: index, Data: buf[:n]}, nil)
				return
			case err != nil:
				yield(Chunk{}, fmt.Errorf("read chunk %d: %w", index, err))
				return
			}

			if !yield(Chunk{Index: index, Data: buf}, nil) {
				return
			}
		}
	}
}
