//go:build linux || darwin || freebsd || openbsd || netbsd || dragonfly

package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Supported reports whether locks are available on this platform.
const Supported = true

func (f *File) lock(ctx context.Context, exclusive bool) (func() error, error) {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}

	fh, err := os.OpenFile(f.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	for {
		err := unix.Flock(int(fh.Fd()), how|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			_ = fh.Close()
			return nil, fmt.Errorf("lock %s: %w", f.path, err)
		}

		select {
		case <-ctx.Done():
			_ = fh.Close()
			return nil, ctx.Err()
		case <-time.After(f.poll):
		}
	}

	return func() error {
		unlockErr := unix.Flock(int(fh.Fd()), unix.LOCK_UN)
		if err := fh.Close(); err != nil && unlockErr == nil {
			unlockErr = err
		}
		return unlockErr
	}, nil
}
