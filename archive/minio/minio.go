// Package minio stores execution transcripts in an S3 compatible bucket
// through the MinIO client.
package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hupe1980/execmesh/archive"
)

// Config describes the bucket transcripts are written to.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// Validate checks that the required fields are set.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("minio endpoint is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("minio bucket is required")
	}
	return nil
}

// Store is an archive.Store backed by a MinIO / S3 bucket.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

var _ archive.Store = (*Store)(nil)

// New connects to the endpoint in cfg.
func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return NewWithClient(client, cfg.Bucket, cfg.Prefix)
}

// NewWithClient wraps an existing client.
func NewWithClient(client *minio.Client, bucket, prefix string) (*Store, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	return &Store{client: client, bucket: bucket, prefix: prefix}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (s *Store) EnsureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Save implements archive.Store.
func (s *Store) Save(ctx context.Context, executionID string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(executionID), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/x-ndjson"})
	if err != nil {
		return fmt.Errorf("put transcript %s: %w", executionID, err)
	}
	return nil
}

// Get implements archive.Store.
func (s *Store) Get(ctx context.Context, executionID string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(executionID), minio.GetObjectOptions{})
	if err != nil {
		return nil, mapErr(executionID, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, mapErr(executionID, err)
	}
	return data, nil
}

func (s *Store) key(executionID string) string {
	return ObjectKey(s.prefix, executionID)
}

// ObjectKey returns the object name of a transcript.
func ObjectKey(prefix, executionID string) string {
	return path.Join(prefix, "executions", executionID, "transcript.jsonl")
}

func mapErr(executionID string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("transcript %s: %w", executionID, archive.ErrNotFound)
	}
	return fmt.Errorf("get transcript %s: %w", executionID, err)
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
