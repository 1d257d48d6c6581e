package storage

import "errors"

var (
	// ErrNotFound is returned when an object or chunk does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRangeOutOfBounds is returned when a requested byte range is invalid
	// for the object's recorded length.
	ErrRangeOutOfBounds = errors.New("range out of bounds")

	// ErrProviderFailure wraps backend I/O faults that survived retries.
	ErrProviderFailure = errors.New("provider failure")

	// ErrRepositoryFailure wraps metadata store faults.
	ErrRepositoryFailure = errors.New("repository failure")

	// ErrChecksumMismatch signals that chunk bytes do not match their content
	// address. It is never retried.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrVersionConflict is returned by conditional commits when the stored
	// manifest version differs from the expected one.
	ErrVersionConflict = errors.New("version conflict")

	ErrInvalidManifest = errors.New("invalid manifest")
	ErrInvalidObjectID = errors.New("invalid object id")
	ErrInvalidChunkID  = errors.New("invalid chunk id")
)
