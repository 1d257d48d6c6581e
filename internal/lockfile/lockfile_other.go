//go:build !(linux || darwin || freebsd || openbsd || netbsd || dragonfly)

package lockfile

import (
	"context"
	"errors"
)

// Supported reports whether locks are available on this platform.
const Supported = false

func (f *File) lock(context.Context, bool) (func() error, error) {
	return nil, errors.ErrUnsupported
}
