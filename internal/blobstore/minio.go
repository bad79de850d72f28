// Package blobstore persists generated images in an S3-compatible bucket.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tryon/internal/imageref"
	"github.com/MarkoPoloResearchLab/tryon/internal/studio"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultContentType = "application/octet-stream"

var (
	ErrInvalidConfig = errors.New("invalid blob store config")
	ErrEmptyImage    = errors.New("image has no content")
)

// Config describes the bucket and how stored objects are addressed publicly.
type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	UseSSL        bool
	PublicBaseURL string
}

type objectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Store implements studio.ObjectStore on top of minio.
type Store struct {
	client     objectPutter
	bucket     string
	baseURL    string
	httpClient *http.Client
}

// New connects to the endpoint and creates the bucket when missing.
func New(ctx context.Context, config Config) (*Store, error) {
	if strings.TrimSpace(config.Endpoint) == "" || strings.TrimSpace(config.Bucket) == "" {
		return nil, fmt.Errorf("%w: endpoint and bucket are required", ErrInvalidConfig)
	}
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return newStore(client, config), nil
}

func newStore(client objectPutter, config Config) *Store {
	baseURL := strings.TrimRight(strings.TrimSpace(config.PublicBaseURL), "/")
	if baseURL == "" {
		scheme := "http"
		if config.UseSSL {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s/%s", scheme, config.Endpoint, config.Bucket)
	}
	return &Store{
		client:     client,
		bucket:     config.Bucket,
		baseURL:    baseURL,
		httpClient: imageref.NewClient(30 * time.Second),
	}
}

// Put uploads the image under key and returns its public URL. Images that
// only carry a provider URL are downloaded first.
func (store *Store) Put(ctx context.Context, key string, image studio.GeneratedImage) (string, error) {
	data, contentType := image.Data, image.MIMEType
	if len(data) == 0 && image.URL != "" {
		var err error
		data, contentType, err = imageref.Fetch(ctx, store.httpClient, image.URL)
		if err != nil {
			return "", fmt.Errorf("download %s: %w", key, err)
		}
	}
	if len(data) == 0 {
		return "", ErrEmptyImage
	}
	if contentType == "" {
		contentType = defaultContentType
	}
	_, err := store.client.PutObject(ctx, store.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return store.baseURL + "/" + strings.TrimLeft(key, "/"), nil
}
