package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"chunkstore/internal/chunk"
	"chunkstore/pkg/storage"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// RemoteConfig holds the connection parameters of an S3-compatible endpoint.
type RemoteConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	Region    string
	Secure    bool
}

// RemoteProvider stores chunks as objects in an S3-compatible blob store,
// keyed <prefix>/<algorithm>/<hex[:2]>/<hex>.
type RemoteProvider struct {
	client      *minio.Client
	bucket      string
	prefix      string
	compression Compression
}

var (
	_ storage.Provider    = (*RemoteProvider)(nil)
	_ storage.ChunkLister = (*RemoteProvider)(nil)
)

// RemoteOption configures a RemoteProvider.
type RemoteOption func(*RemoteProvider)

// WithRemoteCompression sets the compression applied to newly written chunks.
func WithRemoteCompression(c Compression) RemoteOption {
	return func(p *RemoteProvider) {
		p.compression = c
	}
}

// NewRemoteProvider connects to the endpoint and makes sure the bucket
// exists, creating it if it does not.
func NewRemoteProvider(ctx context.Context, cfg RemoteConfig, opts ...RemoteOption) (*RemoteProvider, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("remote provider: endpoint and bucket must not be empty")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.Secure,
		Region:       region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %q: %w", cfg.Bucket, err)
		}
		slog.Info("Created chunk bucket", "bucket", cfg.Bucket, "endpoint", cfg.Endpoint)
	}

	p := &RemoteProvider{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *RemoteProvider) objectName(id storage.ChunkID) (string, error) {
	algorithm, hexDigest, err := storage.ParseChunkID(id)
	if err != nil {
		return "", err
	}
	return path.Join(p.prefix, algorithm, hexDigest[:2], hexDigest), nil
}

// isNoSuchKey reports whether err is the endpoint's answer for a missing
// object.
func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

func (p *RemoteProvider) Put(ctx context.Context, id storage.ChunkID, data []byte) error {
	if err := chunk.Verify(id, data); err != nil {
		return err
	}

	name, err := p.objectName(id)
	if err != nil {
		return err
	}

	exists, err := p.Exists(ctx, id)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	blob, err := encodeBlob(data, p.compression)
	if err != nil {
		return err
	}

	_, err = p.client.PutObject(ctx, p.bucket, name, bytes.NewReader(blob), int64(len(blob)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("failed to upload chunk %s: %w", id, err)
	}

	return nil
}

func (p *RemoteProvider) Get(ctx context.Context, id storage.ChunkID) ([]byte, error) {
	name, err := p.objectName(id)
	if err != nil {
		return nil, err
	}

	obj, err := p.client.GetObject(ctx, p.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chunk %s: %w", id, err)
	}
	defer obj.Close()

	blob, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("chunk %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read chunk %s: %w", id, err)
	}

	return decodeBlob(blob)
}

func (p *RemoteProvider) Exists(ctx context.Context, id storage.ChunkID) (bool, error) {
	name, err := p.objectName(id)
	if err != nil {
		return false, err
	}

	if _, err := p.client.StatObject(ctx, p.bucket, name, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat chunk %s: %w", id, err)
	}
	return true, nil
}

func (p *RemoteProvider) Delete(ctx context.Context, id storage.ChunkID) error {
	name, err := p.objectName(id)
	if err != nil {
		return err
	}

	if err := p.client.RemoveObject(ctx, p.bucket, name, minio.RemoveObjectOptions{}); err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("failed to delete chunk %s: %w", id, err)
	}
	return nil
}

func (p *RemoteProvider) Chunks(ctx context.Context) iter.Seq2[storage.ChunkID, error] {
	return func(yield func(storage.ChunkID, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		listPrefix := ""
		if p.prefix != "" {
			listPrefix = p.prefix + "/"
		}

		for info := range p.client.ListObjects(ctx, p.bucket, minio.ListObjectsOptions{Prefix: listPrefix, Recursive: true}) {
			if info.Err != nil {
				yield("", fmt.Errorf("failed to list chunks in bucket %q: %w", p.bucket, info.Err))
				return
			}

			parts := strings.Split(strings.TrimPrefix(info.Key, listPrefix), "/")
			if len(parts) != 3 {
				continue
			}

			id := storage.ChunkID(parts[0] + ":" + parts[2])
			if _, _, err := storage.ParseChunkID(id); err != nil {
				continue
			}

			if !yield(id, nil) {
				return
			}
		}
	}
}

// Close is a no-op; the S3 client has no resources that need releasing.
func (p *RemoteProvider) Close() error {
	return nil
}
