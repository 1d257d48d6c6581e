// Package lockfile provides advisory shared and exclusive locks on a file.
// Every acquisition opens its own descriptor, so locks exclude each other
// within one process as well as across processes.
package lockfile

import (
	"context"
	"time"
)

// DefaultPoll is how often a contended lock is retried.
const DefaultPoll = 10 * time.Millisecond

// File is a lock held on the file at a path. The file is created on first
// use and never removed.
type File struct {
	path string
	poll time.Duration
}

// New returns a lock on the file at path.
func New(path string) *File {
	return &File{path: path, poll: DefaultPoll}
}

// Path returns the path of the lock file.
func (f *File) Path() string {
	return f.path
}

// Shared blocks until a shared lock is held or ctx is done. Any number of
// shared holders may coexist. The returned func releases the lock.
func (f *File) Shared(ctx context.Context) (func() error, error) {
	return f.lock(ctx, false)
}

// Exclusive blocks until no other holder remains or ctx is done. The
// returned func releases the lock.
func (f *File) Exclusive(ctx context.Context) (func() error, error) {
	return f.lock(ctx, true)
}
