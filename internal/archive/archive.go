// Package archive writes a final snapshot of a queue item to blob storage
// before an administrator deletes it.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/JakeFAU/jobqueue/internal/hash/sha256"
	"github.com/JakeFAU/jobqueue/internal/queue"
)

// BlobStore persists archive objects and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, objectPath, contentType string, metadata map[string]string, r io.Reader) (string, error)
}

// Record is the archived document.
type Record struct {
	Item       queue.Item `json:"item"`
	ArchivedAt time.Time  `json:"archivedAt"`
	ArchivedBy string     `json:"archivedBy,omitempty"`
}

// Archiver serializes items and stores them under
// <prefix>/<item id>/<sha256 of body>.json.
type Archiver struct {
	blobs  BlobStore
	hasher sha256.Hasher
	prefix string
	clock  queue.Clock
}

// New builds an Archiver. prefix defaults to "archive".
func New(blobs BlobStore, prefix string, clock queue.Clock) *Archiver {
	if prefix == "" {
		prefix = "archive"
	}
	return &Archiver{blobs: blobs, hasher: sha256.New(), prefix: prefix, clock: clock}
}

// Archive stores item and returns the object URI.
func (a *Archiver) Archive(ctx context.Context, item queue.Item, actor string) (string, error) {
	body, err := json.MarshalIndent(Record{Item: item, ArchivedAt: a.clock.Now(), ArchivedBy: actor}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode archive record: %w", err)
	}
	objectPath := path.Join(a.prefix, item.ID, a.hasher.Hash(body)+".json")
	metadata := map[string]string{
		"item_id": item.ID,
		"kind":    string(item.Kind),
		"status":  string(item.Status),
	}
	uri, err := a.blobs.PutObject(ctx, objectPath, "application/json", metadata, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to archive item %s: %w", item.ID, err)
	}
	return uri, nil
}
