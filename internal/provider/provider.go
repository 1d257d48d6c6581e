// Package provider holds the concrete chunk storage backends. A backend is
// picked once, at configuration time, and then used through the
// storage.Provider interface for the lifetime of the engine.
package provider

import (
	"context"
	"fmt"

	"chunkstore/pkg/storage"
)

// Provider kinds accepted by Open.
const (
	KindFilesystem = "filesystem"
	KindMemory     = "memory"
	KindRemote     = "remote"
)

// Config selects and parameterizes a provider.
type Config struct {
	Kind        string
	DataDir     string
	Compression string
	Remote      RemoteConfig
}

// Open constructs the provider described by cfg.
func Open(ctx context.Context, cfg Config) (storage.Provider, error) {
	compression, err := ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}

	switch cfg.Kind {
	case KindFilesystem, "":
		return NewFilesystemProvider(cfg.DataDir, WithFilesystemCompression(compression))
	case KindMemory:
		return NewMemoryProvider(), nil
	case KindRemote:
		return NewRemoteProvider(ctx, cfg.Remote, WithRemoteCompression(compression))
	default:
		return nil, fmt.Errorf("unknown provider kind: %q", cfg.Kind)
	}
}
