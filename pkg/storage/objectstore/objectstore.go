package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotFound is returned by Get when the bucket or key does not exist.
var ErrNotFound = errors.New("object not found")

// Config contains the information required to talk to an object store.
type Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Object is an opened object. Size is the content length reported by the
// store at fetch time, which may differ from the size in the notification.
type Object struct {
	Size int64
	Body io.ReadCloser
}

// Client is the read contract the importer depends on.
type Client interface {
	Get(ctx context.Context, bucket, key string) (*Object, error)
	Close() error
}

// New creates a path-style S3 client for MinIO or any S3 compatible store.
func New(cfg Config) (Client, error) {
	endpoint, secure, err := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}

	cl, err := minio.New(endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       secure,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}

	return &minioClient{client: cl}, nil
}

// splitEndpoint accepts either "host:port" or a URL such as
// "http://osm-storage:9000/" and returns the host part minio expects.
func splitEndpoint(raw string, useSSL bool) (string, bool, error) {
	if !strings.Contains(raw, "://") {
		return strings.TrimSuffix(raw, "/"), useSSL, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse storage endpoint: %w", err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("storage endpoint %q has no host", raw)
	}
	return u.Host, u.Scheme == "https", nil
}

type minioClient struct {
	client *minio.Client
}

// Get opens the object and stats it so that missing objects and the content
// length are known before any byte is consumed.
func (m *minioClient) Get(ctx context.Context, bucket, key string) (*Object, error) {
	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translate(err)
	}

	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, translate(err)
	}

	return &Object{Size: info.Size, Body: obj}, nil
}

func (m *minioClient) Close() error {
	return nil
}

func translate(err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: %s", ErrNotFound, resp.Message)
	}
	return err
}
