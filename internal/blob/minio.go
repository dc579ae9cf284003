package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
	Bucket    string
	// PublicURL prefixes returned URLs. Defaults to the endpoint.
	PublicURL string
}

// Minio stores blobs in one bucket of an S3-compatible server.
type Minio struct {
	client    *minio.Client
	bucket    string
	publicURL string
	logger    *zap.SugaredLogger
}

// NewMinio connects and creates the bucket when missing.
func NewMinio(ctx context.Context, cfg MinioConfig, logger *zap.SugaredLogger) (*Minio, error) {
	if !cfg.Secure {
		logger.Warnw("minio is not running in secure mode", "endpoint", cfg.Endpoint)
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{ObjectLocking: false}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		logger.Infow("created blob bucket", "bucket", cfg.Bucket)
	}

	publicURL := cfg.PublicURL
	if publicURL == "" {
		publicURL = client.EndpointURL().String()
	}
	return &Minio{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(publicURL, "/"),
		logger:    logger,
	}, nil
}

func (m *Minio) Put(ctx context.Context, path string, data []byte, contentType string) (Object, error) {
	_, err := m.client.PutObject(ctx, m.bucket, path, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return Object{}, fmt.Errorf("put %s: %w", path, err)
	}
	return Object{Path: path, URL: m.publicURL + "/" + m.bucket + "/" + path}, nil
}

func (m *Minio) Get(ctx context.Context, path string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, m.mapError(path, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, m.mapError(path, err)
	}
	return data, nil
}

func (m *Minio) Delete(ctx context.Context, path string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, path, minio.RemoveObjectOptions{}); err != nil {
		return m.mapError(path, err)
	}
	return nil
}

// Ping checks that the bucket is reachable.
func (m *Minio) Ping(ctx context.Context) error {
	_, err := m.client.BucketExists(ctx, m.bucket)
	return err
}

func (m *Minio) mapError(path string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return fmt.Errorf("blob %s: %w", path, err)
}
