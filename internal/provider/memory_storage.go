package provider

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"

	"chunkstore/internal/chunk"
	"chunkstore/pkg/storage"
)

// MemoryProvider keeps chunks in process memory. Data does not survive a
// restart.
type MemoryProvider struct {
	mu     sync.RWMutex
	chunks map[storage.ChunkID][]byte
}

var (
	_ storage.Provider    = (*MemoryProvider)(nil)
	_ storage.ChunkLister = (*MemoryProvider)(nil)
)

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{chunks: make(map[storage.ChunkID][]byte)}
}

func (p *MemoryProvider) Put(ctx context.Context, id storage.ChunkID, data []byte) error {
	if err := chunk.Verify(id, data); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.chunks[id]; !ok {
		p.chunks[id] = slices.Clone(data)
	}
	return nil
}

func (p *MemoryProvider) Get(ctx context.Context, id storage.ChunkID) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	data, ok := p.chunks[id]
	if !ok {
		return nil, fmt.Errorf("chunk %s: %w", id, storage.ErrNotFound)
	}
	return slices.Clone(data), nil
}

func (p *MemoryProvider) Exists(ctx context.Context, id storage.ChunkID) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	_, ok := p.chunks[id]
	return ok, nil
}

func (p *MemoryProvider) Delete(ctx context.Context, id storage.ChunkID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.chunks, id)
	return nil
}

// Len returns the number of distinct chunks held.
func (p *MemoryProvider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.chunks)
}

func (p *MemoryProvider) Chunks(ctx context.Context) iter.Seq2[storage.ChunkID, error] {
	return func(yield func(storage.ChunkID, error) bool) {
		p.mu.RLock()
		ids := make([]storage.ChunkID, 0, len(p.chunks))
		for id := range p.chunks {
			ids = append(ids, id)
		}
		p.mu.RUnlock()

		slices.Sort(ids)
		for _, id := range ids {
			if !yield(id, nil) {
				return
			}
		}
	}
}

func (p *MemoryProvider) Close() error {
	return nil
}
