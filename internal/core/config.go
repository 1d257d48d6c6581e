package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chunkstore/internal/auth"
	"chunkstore/internal/provider"
	"chunkstore/internal/repository"
	"chunkstore/pkg/storage"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "CHUNKSTORE"

type Config struct {
	DataDir    string
	ChunkSize  int
	Algorithm  string
	Provider   provider.Config
	Repository repository.Config

	MaxInFlight    int
	ReadAhead      int
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CacheSize      int

	GCInterval  time.Duration
	MetricsAddr string

	// Admin endpoint credentials; all empty leaves the endpoints open.
	AdminUser     string
	AdminPassword string
	AdminToken    string

	// Registerer receives the engine metrics; nil leaves them unregistered.
	Registerer prometheus.Registerer
}

type ConfigOption func(*Config)

func WithDataDir(dataDir string) ConfigOption {
	return func(cfg *Config) {
		cfg.DataDir = dataDir
	}
}

func WithChunkSize(size int) ConfigOption {
	return func(cfg *Config) {
		cfg.ChunkSize = size
	}
}

func WithAlgorithm(algorithm string) ConfigOption {
	return func(cfg *Config) {
		cfg.Algorithm = algorithm
	}
}

func WithProvider(p provider.Config) ConfigOption {
	return func(cfg *Config) {
		cfg.Provider = p
	}
}

func WithRepository(r repository.Config) ConfigOption {
	return func(cfg *Config) {
		cfg.Repository = r
	}
}

func WithRegisterer(reg prometheus.Registerer) ConfigOption {
	return func(cfg *Config) {
		cfg.Registerer = reg
	}
}

// NewConfig returns the default configuration with opts applied.
func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{
		DataDir:        "./data",
		ChunkSize:      storage.DefaultChunkSize,
		Algorithm:      storage.AlgorithmSHA256,
		Provider:       provider.Config{Kind: provider.KindFilesystem},
		Repository:     repository.Config{Kind: repository.KindSQLite},
		MaxInFlight:    4,
		ReadAhead:      2,
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		CacheSize:      64,
		GCInterval:     time.Hour,
		MetricsAddr:    ":9100",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// resolvePaths fills the provider and repository locations that default to
// living under DataDir.
func (cfg *Config) resolvePaths() {
	if cfg.Provider.DataDir == "" {
		cfg.Provider.DataDir = cfg.DataDir
	}

	if cfg.Repository.Path == "" {
		switch cfg.Repository.Kind {
		case repository.KindBadger:
			cfg.Repository.Path = filepath.Join(cfg.DataDir, "manifests")
		default:
			cfg.Repository.Path = filepath.Join(cfg.DataDir, "metadata.sqlite")
		}
	}
}

// AdminAuth returns the authentication required by the admin endpoints, or
// nil when no credentials are configured.
func (cfg Config) AdminAuth() auth.AuthEngine {
	var engines []auth.AuthEngine
	if cfg.AdminUser != "" {
		engines = append(engines, auth.NewBasicAuthEngine(cfg.AdminUser, cfg.AdminPassword))
	}
	if cfg.AdminToken != "" {
		engines = append(engines, auth.NewTokenAuthEngine(cfg.AdminToken))
	}

	if len(engines) == 0 {
		return nil
	}
	return auth.NewCompoundAuthEngine(engines...)
}

// Validate reports the first invalid setting.
func (cfg Config) Validate() error {
	switch {
	case cfg.DataDir == "":
		return errors.New("data dir must not be empty")
	case cfg.ChunkSize <= 0:
		return fmt.Errorf("chunk size must be positive, got %d", cfg.ChunkSize)
	case cfg.ChunkSize > storage.MaxChunkSize:
		return fmt.Errorf("chunk size %d exceeds the maximum of %d", cfg.ChunkSize, storage.MaxChunkSize)
	case cfg.MaxInFlight <= 0:
		return fmt.Errorf("max in-flight writes must be positive, got %d", cfg.MaxInFlight)
	case cfg.InitialBackoff > cfg.MaxBackoff:
		return fmt.Errorf("initial backoff %s exceeds max backoff %s", cfg.InitialBackoff, cfg.MaxBackoff)
	case cfg.AdminPassword != "" && cfg.AdminUser == "":
		return errors.New("admin password set without an admin user")
	case cfg.AdminUser != "" && cfg.AdminPassword == "":
		return errors.New("admin user set without an admin password")
	}

	if _, err := provider.ParseCompression(cfg.Provider.Compression); err != nil {
		return err
	}
	return nil
}

// Flags registers every configuration setting on fs.
func Flags(fs *pflag.FlagSet) {
	d := NewConfig()

	fs.String("config", "", "path to a YAML configuration file")
	fs.String("data-dir", d.DataDir, "directory holding chunks and metadata")
	fs.String("chunk-size", humanize.IBytes(uint64(d.ChunkSize)), "chunk size for new objects, e.g. 1MiB")
	fs.String("algorithm", d.Algorithm, "content address algorithm (sha256, blake3)")

	fs.String("provider", d.Provider.Kind, "chunk provider (filesystem, memory, remote)")
	fs.String("provider-dir", "", "filesystem provider root (defaults to data-dir)")
	fs.String("compression", "none", "chunk compression (none, lz4, zstd)")
	fs.String("s3-endpoint", "", "S3 endpoint for the remote provider")
	fs.String("s3-bucket", "", "S3 bucket for the remote provider")
	fs.String("s3-prefix", "", "key prefix inside the bucket")
	fs.String("s3-access-key", "", "S3 access key")
	fs.String("s3-secret-key", "", "S3 secret key")
	fs.String("s3-region", "", "S3 region")
	fs.Bool("s3-secure", false, "use TLS for the S3 endpoint")

	fs.String("repository", d.Repository.Kind, "manifest repository (sqlite, badger)")
	fs.String("repository-path", "", "repository location (defaults to a path under data-dir)")

	fs.Int("max-in-flight", d.MaxInFlight, "concurrent chunk writes per put")
	fs.Int("read-ahead", d.ReadAhead, "chunks fetched ahead of a reader")
	fs.Uint64("retries", d.MaxRetries, "retries for failed provider and repository calls")
	fs.Duration("initial-backoff", d.InitialBackoff, "first retry delay")
	fs.Duration("max-backoff", d.MaxBackoff, "largest retry delay")
	fs.Int("cache-size", d.CacheSize, "verified chunks kept in memory (negative disables)")
	fs.Duration("gc-interval", d.GCInterval, "garbage collection period for serve")
	fs.String("metrics-addr", d.MetricsAddr, "listen address for the admin endpoint")
	fs.String("admin-user", "", "basic auth user for the admin endpoint")
	fs.String("admin-password", "", "basic auth password for the admin endpoint")
	fs.String("admin-token", "", "bearer token accepted by the admin endpoint")
}

// LoadDotEnv loads environment variables from the given .env files, or
// ./.env when none are given. Missing files are ignored and variables
// already set are left alone.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}

	for _, file := range files {
		err := godotenv.Load(file)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

// Load resolves the configuration from, in increasing precedence, defaults,
// the YAML file named by --config, CHUNKSTORE_* environment variables and
// explicitly set flags.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	d := NewConfig()

	v.SetDefault("data-dir", d.DataDir)
	v.SetDefault("chunk-size", humanize.IBytes(uint64(d.ChunkSize)))
	v.SetDefault("algorithm", d.Algorithm)
	v.SetDefault("provider", d.Provider.Kind)
	v.SetDefault("compression", "none")
	v.SetDefault("repository", d.Repository.Kind)
	v.SetDefault("max-in-flight", d.MaxInFlight)
	v.SetDefault("read-ahead", d.ReadAhead)
	v.SetDefault("retries", d.MaxRetries)
	v.SetDefault("initial-backoff", d.InitialBackoff)
	v.SetDefault("max-backoff", d.MaxBackoff)
	v.SetDefault("cache-size", d.CacheSize)
	v.SetDefault("gc-interval", d.GCInterval)
	v.SetDefault("metrics-addr", d.MetricsAddr)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	chunkSize, err := humanize.ParseBytes(v.GetString("chunk-size"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid chunk size %q: %w", v.GetString("chunk-size"), err)
	}

	cfg := Config{
		DataDir:   v.GetString("data-dir"),
		ChunkSize: int(chunkSize),
		Algorithm: v.GetString("algorithm"),
		Provider: provider.Config{
			Kind:        v.GetString("provider"),
			DataDir:     v.GetString("provider-dir"),
			Compression: v.GetString("compression"),
			Remote: provider.RemoteConfig{
				Endpoint:  v.GetString("s3-endpoint"),
				AccessKey: v.GetString("s3-access-key"),
				SecretKey: v.GetString("s3-secret-key"),
				Bucket:    v.GetString("s3-bucket"),
				Prefix:    v.GetString("s3-prefix"),
				Region:    v.GetString("s3-region"),
				Secure:    v.GetBool("s3-secure"),
			},
		},
		Repository: repository.Config{
			Kind: v.GetString("repository"),
			Path: v.GetString("repository-path"),
		},
		MaxInFlight:    v.GetInt("max-in-flight"),
		ReadAhead:      v.GetInt("read-ahead"),
		MaxRetries:     v.GetUint64("retries"),
		InitialBackoff: v.GetDuration("initial-backoff"),
		MaxBackoff:     v.GetDuration("max-backoff"),
		CacheSize:      v.GetInt("cache-size"),
		GCInterval:     v.GetDuration("gc-interval"),
		MetricsAddr:    v.GetString("metrics-addr"),
		AdminUser:      v.GetString("admin-user"),
		AdminPassword:  v.GetString("admin-password"),
		AdminToken:     v.GetString("admin-token"),
	}

	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
