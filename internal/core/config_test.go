package core_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"chunkstore/internal/core"
	"chunkstore/internal/provider"
	"chunkstore/internal/repository"
	"chunkstore/pkg/storage"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func newFlagSet(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()

	fs := pflag.NewFlagSet("chunkstore", pflag.ContinueOnError)
	core.Flags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestNewConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := core.NewConfig()
	require.Equal(t, "./data", cfg.DataDir)
	require.Equal(t, storage.DefaultChunkSize, cfg.ChunkSize)
	require.Equal(t, storage.AlgorithmSHA256, cfg.Algorithm)
	require.Equal(t, provider.KindFilesystem, cfg.Provider.Kind)
	require.Equal(t, repository.KindSQLite, cfg.Repository.Kind)
	require.NoError(t, cfg.Validate())

	cfg = core.NewConfig(core.WithDataDir("/srv/chunks"), core.WithChunkSize(4096), core.WithAlgorithm(storage.AlgorithmBLAKE3))
	require.Equal(t, "/srv/chunks", cfg.DataDir)
	require.Equal(t, 4096, cfg.ChunkSize)
	require.Equal(t, storage.AlgorithmBLAKE3, cfg.Algorithm)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opt  func(*core.Config)
	}{
		{"empty data dir", func(c *core.Config) { c.DataDir = "" }},
		{"zero chunk size", func(c *core.Config) { c.ChunkSize = 0 }},
		{"zero in-flight", func(c *core.Config) { c.MaxInFlight = 0 }},
		{"inverted backoff", func(c *core.Config) { c.InitialBackoff = time.Minute }},
		{"unknown compression", func(c *core.Config) { c.Provider.Compression = "brotli" }},
		{"oversized chunk size", func(c *core.Config) { c.ChunkSize = storage.MaxChunkSize + 1 }},
		{"admin password without user", func(c *core.Config) { c.AdminPassword = "hunter2" }},
		{"admin user without password", func(c *core.Config) { c.AdminUser = "ops" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := core.NewConfig(tt.opt)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoadDefaultsResolvePaths(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg, err := core.Load(newFlagSet(t, "--data-dir", dir))
	require.NoError(t, err)

	require.Equal(t, dir, cfg.DataDir)
	require.Equal(t, dir, cfg.Provider.DataDir)
	require.Equal(t, filepath.Join(dir, "metadata.sqlite"), cfg.Repository.Path)
	require.Equal(t, storage.DefaultChunkSize, cfg.ChunkSize)
	require.Equal(t, 4, cfg.MaxInFlight)
	require.Equal(t, time.Hour, cfg.GCInterval)

	cfg, err = core.Load(newFlagSet(t, "--data-dir", dir, "--repository", "badger"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "manifests"), cfg.Repository.Path)
}

func TestLoadHumanizedChunkSize(t *testing.T) {
	t.Parallel()

	for arg, want := range map[string]int{
		"4MiB":   4 << 20,
		"512KiB": 512 << 10,
		"64kB":   64000,
		"1024":   1024,
	} {
		cfg, err := core.Load(newFlagSet(t, "--chunk-size", arg))
		require.NoError(t, err, arg)
		require.Equal(t, want, cfg.ChunkSize, arg)
	}

	_, err := core.Load(newFlagSet(t, "--chunk-size", "lots"))
	require.Error(t, err)

	_, err = core.Load(newFlagSet(t, "--chunk-size", "0"))
	require.Error(t, err, "chunk size must be positive")
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CHUNKSTORE_CHUNK_SIZE", "2MiB")
	t.Setenv("CHUNKSTORE_PROVIDER", "memory")
	t.Setenv("CHUNKSTORE_MAX_IN_FLIGHT", "9")
	t.Setenv("CHUNKSTORE_S3_BUCKET", "chunks")

	cfg, err := core.Load(newFlagSet(t))
	require.NoError(t, err)
	require.Equal(t, 2<<20, cfg.ChunkSize)
	require.Equal(t, provider.KindMemory, cfg.Provider.Kind)
	require.Equal(t, 9, cfg.MaxInFlight)
	require.Equal(t, "chunks", cfg.Provider.Remote.Bucket)

	cfg, err = core.Load(newFlagSet(t, "--max-in-flight", "2"))
	require.NoError(t, err)
	require.Equal(t, 2, cfg.MaxInFlight, "explicit flags win over the environment")
}

func TestLoadFromConfigFile(t *testing.T) {
	t.Setenv("CHUNKSTORE_READ_AHEAD", "7")

	dir := t.TempDir()
	file := filepath.Join(dir, "chunkstore.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
data-dir: `+dir+`
chunk-size: 256KiB
algorithm: blake3
compression: zstd
repository: badger
read-ahead: 3
initial-backoff: 10ms
max-backoff: 1s
`), 0o644))

	cfg, err := core.Load(newFlagSet(t, "--config", file, "--algorithm", "sha256"))
	require.NoError(t, err)

	require.Equal(t, dir, cfg.DataDir)
	require.Equal(t, 256<<10, cfg.ChunkSize)
	require.Equal(t, "zstd", cfg.Provider.Compression)
	require.Equal(t, repository.KindBadger, cfg.Repository.Kind)
	require.Equal(t, 10*time.Millisecond, cfg.InitialBackoff)
	require.Equal(t, time.Second, cfg.MaxBackoff)
	require.Equal(t, 7, cfg.ReadAhead, "the environment wins over the file")
	require.Equal(t, storage.AlgorithmSHA256, cfg.Algorithm, "flags win over the file")

	_, err = core.Load(newFlagSet(t, "--config", filepath.Join(dir, "missing.yaml")))
	require.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	t.Setenv("CHUNKSTORE_ALGORITHM", "")
	require.NoError(t, os.Unsetenv("CHUNKSTORE_ALGORITHM"))
	t.Setenv("CHUNKSTORE_CACHE_SIZE", "5")

	file := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(file, []byte("CHUNKSTORE_ALGORITHM=blake3\nCHUNKSTORE_CACHE_SIZE=99\n"), 0o644))

	require.NoError(t, core.LoadDotEnv(file, filepath.Join(t.TempDir(), "absent.env")))

	cfg, err := core.Load(newFlagSet(t))
	require.NoError(t, err)
	require.Equal(t, storage.AlgorithmBLAKE3, cfg.Algorithm)
	require.Equal(t, 5, cfg.CacheSize, "variables already set are kept")
}
