// Package gcs stores archived queue items in Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// Config captures the bucket archive objects are written to.
type Config struct {
	Bucket string
}

// BlobStore writes archive objects to a GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
}

// New creates a GCS-backed archive store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{client: client, bucket: cfg.Bucket}, nil
}

// PutObject uploads r with its metadata and returns a gs:// URI. Objects are
// content-addressed, so an existing object is left as is.
func (s *BlobStore) PutObject(
	ctx context.Context,
	objectPath, contentType string,
	metadata map[string]string,
	r io.Reader,
) (string, error) {
	if strings.TrimSpace(objectPath) == "" {
		return "", errors.New("object path is required")
	}
	obj := s.client.Bucket(s.bucket).Object(objectPath).If(storage.Conditions{DoesNotExist: true})
	writer := obj.NewWriter(ctx)
	writer.ContentType = contentType
	writer.Metadata = metadata

	uri := fmt.Sprintf("gs://%s/%s", s.bucket, objectPath)
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			return uri, nil
		}
		return "", fmt.Errorf("close writer: %w", err)
	}
	return uri, nil
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
