// Package local writes archived queue items to the local filesystem.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// metaSuffix names the sidecar file holding an object's content type and
// metadata.
const metaSuffix = ".meta.json"

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory archive objects are written under.
	BaseDir string
}

// BlobStore writes archive objects below a base directory.
type BlobStore struct {
	baseDir string
}

type sidecar struct {
	ContentType string            `json:"contentType"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// New creates the base directory if needed and checks that it is writable.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, errors.New("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory %s is not a directory", cfg.BaseDir)
	}

	probe, err := os.CreateTemp(cfg.BaseDir, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	_ = probe.Close()
	if err := os.Remove(probe.Name()); err != nil {
		return nil, fmt.Errorf("failed to clean up probe file: %w", err)
	}

	return &BlobStore{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// PutObject writes r to baseDir/objectPath with a metadata sidecar and returns
// a file:// URI. Objects are content-addressed, so an existing file is left as
// is.
func (s *BlobStore) PutObject(
	_ context.Context,
	objectPath, contentType string,
	metadata map[string]string,
	r io.Reader,
) (string, error) {
	if strings.TrimSpace(objectPath) == "" {
		return "", errors.New("object path is required")
	}
	fullPath := filepath.Join(s.baseDir, filepath.FromSlash(objectPath))
	if !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("object path %q escapes the base directory", objectPath)
	}
	uri := "file://" + fullPath

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}

	f, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, os.ErrExist) {
		return uri, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to create object: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(fullPath)
		return "", fmt.Errorf("failed to write object: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close object: %w", err)
	}

	meta, err := json.Marshal(sidecar{ContentType: contentType, Metadata: metadata})
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := os.WriteFile(fullPath+metaSuffix, meta, 0o600); err != nil {
		return "", fmt.Errorf("failed to write metadata: %w", err)
	}
	return uri, nil
}
