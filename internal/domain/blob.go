package domain

import (
	"context"
	"io"
	"time"
)

// BlobObject is the header of an object being stored. Metadata travels with
// the object and comes back from Get.
type BlobObject struct {
	Path        string
	ContentType string
	Size        int64
	Metadata    map[string]string
}

// BlobInfo describes one stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobWriter stores data in object storage. Implementations pick the upload
// strategy from obj.Size.
type BlobWriter interface {
	Put(ctx context.Context, obj BlobObject, data io.Reader) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, map[string]string, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// SnapshotArchiver copies full ledger snapshots to cold storage.
type SnapshotArchiver interface {
	ArchiveSnapshot(ctx context.Context, at time.Time) (path string, err error)
	LatestSnapshot(ctx context.Context) (LedgerState, error)
}
