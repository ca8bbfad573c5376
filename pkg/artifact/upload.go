package artifact

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStoreConfig addresses an S3-compatible bucket.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"useSSL"`
}

// Enabled reports whether an endpoint is configured.
func (c ObjectStoreConfig) Enabled() bool { return strings.TrimSpace(c.Endpoint) != "" }

// Validate checks the required fields.
func (c ObjectStoreConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return errors.New("access key and secret key are required")
	}
	return nil
}

// MinioUploader mirrors archived files to a MinIO/S3 bucket.
type MinioUploader struct {
	client *minio.Client
	cfg    ObjectStoreConfig
}

// NewMinioUploader connects to the configured endpoint and makes sure
// the bucket exists.
func NewMinioUploader(ctx context.Context, cfg ObjectStoreConfig) (*MinioUploader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     miniocreds.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("make bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinioUploader{client: client, cfg: cfg}, nil
}

// ObjectKey returns the key an archived path is stored under.
func (u *MinioUploader) ObjectKey(stored string) string {
	if u.cfg.Prefix == "" {
		return stored
	}
	return strings.TrimSuffix(u.cfg.Prefix, "/") + "/" + stored
}

// Upload implements Uploader.
func (u *MinioUploader) Upload(ctx context.Context, key, localPath string) (string, error) {
	objectKey := u.ObjectKey(key)
	_, err := u.client.FPutObject(ctx, u.cfg.Bucket, objectKey, localPath, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("s3://%s/%s", u.cfg.Bucket, objectKey), nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
