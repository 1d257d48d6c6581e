package chunk

import (
	"context"
	"fmt"
	"io"
	"sort"

	"chunkstore/pkg/storage"
)

// Fetcher returns the full bytes of one chunk.
type Fetcher func(ctx context.Context, ref storage.ChunkRef) ([]byte, error)

// segment is the part of a chunk that falls inside the requested range.
type segment struct {
	ref    storage.ChunkRef
	lo, hi int64
}

type fetchResult struct {
	data []byte
	err  error
}

// Reader reassembles an object, or a byte range of it, from its manifest.
// Bytes are always emitted in logical offset order.
type Reader struct {
	ctx    context.Context
	cancel context.CancelFunc
	fetch  Fetcher

	segments  []segment
	readAhead int

	dispatched int
	pending    []chan fetchResult

	cur []byte
	err error
}

// plan resolves the chunks of m overlapping rng, with the in-chunk offsets
// to keep. It fails with storage.ErrRangeOutOfBounds if rng is invalid.
func plan(m storage.Manifest, rng storage.ByteRange) ([]segment, error) {
	if err := rng.Check(m.Size); err != nil {
		return nil, err
	}

	if rng.Len() == 0 {
		return nil, nil
	}

	// offsets[i] is the logical offset of the first byte of chunk i.
	offsets := make([]int64, len(m.Chunks))
	var off int64
	for i, ref := range m.Chunks {
		offsets[i] = off
		off += ref.Size
	}

	first := sort.Search(len(offsets), func(i int) bool {
		return offsets[i]+m.Chunks[i].Size > rng.Start
	})

	var segments []segment
	for i := first; i < len(m.Chunks) && offsets[i] < rng.End; i++ {
		ref := m.Chunks[i]
		lo := max(rng.Start-offsets[i], 0)
		hi := min(rng.End-offsets[i], ref.Size)
		segments = append(segments, segment{ref: ref, lo: lo, hi: hi})
	}

	return segments, nil
}

// NewReader returns a lazy reader over rng of the object described by m. A
// nil rng selects the whole object.
//
// With readAhead <= 1, chunks are fetched one at a time in manifest order as
// the reader is consumed. Larger values keep up to readAhead fetches in
// flight and reorder their results into sequence.
func NewReader(ctx context.Context, m storage.Manifest, fetch Fetcher, rng *storage.ByteRange, readAhead int) (*Reader, error) {
	full := storage.ByteRange{Start: 0, End: m.Size}
	if rng == nil {
		rng = &full
	}

	segments, err := plan(m, *rng)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Reader{
		ctx:       ctx,
		cancel:    cancel,
		fetch:     fetch,
		segments:  segments,
		readAhead: readAhead,
	}, nil
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	for len(r.cur) == 0 {
		if r.err != nil {
			return 0, r.err
		}

		data, err := r.next()
		if err != nil {
			r.err = err
			return 0, err
		}
		r.cur = data
	}

	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	return n, nil
}

// Close cancels any outstanding fetches.
func (r *Reader) Close() error {
	r.cancel()
	r.cur = nil
	if r.err == nil {
		r.err = io.ErrClosedPipe
	}
	return nil
}

// next returns the trimmed bytes of the next segment, or io.EOF once all
// segments have been emitted.
func (r *Reader) next() ([]byte, error) {
	if r.readAhead <= 1 {
		if r.dispatched == len(r.segments) {
			return nil, io.EOF
		}
		seg := r.segments[r.dispatched]
		r.dispatched++
		data, err := r.fetchOne(seg)
		if err != nil {
			return nil, err
		}
		return data[seg.lo:seg.hi], nil
	}

	for len(r.pending) < r.readAhead && r.dispatched < len(r.segments) {
		seg := r.segments[r.dispatched]
		r.dispatched++

		ch := make(chan fetchResult, 1)
		r.pending = append(r.pending, ch)
		go func() {
			data, err := r.fetchOne(seg)
			if err == nil {
				data = data[seg.lo:seg.hi]
			}
			ch <- fetchResult{data: data, err: err}
		}()
	}

	if len(r.pending) == 0 {
		return nil, io.EOF
	}

	ch := r.pending[0]
	r.pending = r.pending[1:]

	select {
	case res := <-ch:
		return res.data, res.err
	case <-r.ctx.Done():
		return nil, r.ctx.Err()
	}
}

func (r *Reader) fetchOne(seg segment) ([]byte, error) {
	if err := r.ctx.Err(); err != nil {
		return nil, err
	}

	data, err := r.fetch(r.ctx, seg.ref)
	if err != nil {
		return nil, err
	}

	if int64(len(data)) != seg.ref.Size {
		return nil, fmt.Errorf("%w: chunk %s has %d bytes, manifest records %d",
			storage.ErrChecksumMismatch, seg.ref.ID, len(data), seg.ref.Size)
	}

	return data, nil
}
