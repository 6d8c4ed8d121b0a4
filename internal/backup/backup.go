// Package backup copies snapshot documents to an S3 compatible bucket and
// restores them.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"time"

	"github.com/openmined/farmsync/internal/store"
)

const (
	snapshotsDir = "snapshots"
	latestKey    = "latest.json"
	keyLayout    = "20060102T150405Z"

	// MaxSnapshotSize bounds downloads; it matches the import limit of the status surface.
	MaxSnapshotSize = 64 << 20
)

var (
	ErrDisabled   = errors.New("backup not configured")
	ErrNoSnapshot = errors.New("no snapshot in bucket")
)

// Snapshotter produces and consumes snapshot documents.
type Snapshotter interface {
	ExportOfflineData(ctx context.Context, w io.Writer) (*store.Snapshot, error)
	ImportOfflineData(ctx context.Context, r io.Reader) (*store.ImportStats, error)
}

// Object is a stored snapshot.
type Object struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag,omitempty"`
	LastModified time.Time `json:"lastModified"`
}

type Service struct {
	bucket *bucket
	prefix string
	data   Snapshotter
	log    *slog.Logger
}

func New(client ObjectStore, cfg S3Config, data Snapshotter) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if client == nil || data == nil {
		return nil, errors.New("backup: client and snapshotter are required")
	}
	return &Service{
		bucket: &bucket{client: client, name: cfg.Bucket},
		prefix: cfg.Prefix,
		data:   data,
		log:    slog.Default().With("bucket", cfg.Bucket),
	}, nil
}

// NewS3 connects to the configured bucket.
func NewS3(ctx context.Context, cfg S3Config, data Snapshotter) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	client, err := NewS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(client, cfg, data)
}

func (s *Service) key(parts ...string) string {
	return path.Join(append([]string{s.prefix}, parts...)...)
}

// SnapshotKey is where a snapshot exported at t is stored.
func (s *Service) SnapshotKey(t time.Time) string {
	return s.key(snapshotsDir, "farmsync-"+t.UTC().Format(keyLayout)+".json")
}

// Backup exports the store and uploads it twice: under a timestamped key and as latest.
func (s *Service) Backup(ctx context.Context) (*Object, error) {
	var buf bytes.Buffer
	snap, err := s.data.ExportOfflineData(ctx, &buf)
	if err != nil {
		return nil, err
	}

	key := s.SnapshotKey(snap.ExportedAt)
	out, err := s.bucket.put(ctx, key, buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", key, err)
	}
	if _, err := s.bucket.put(ctx, s.key(latestKey), buf.Bytes()); err != nil {
		return nil, fmt.Errorf("upload %s: %w", latestKey, err)
	}

	obj := &Object{Key: key, Size: int64(buf.Len()), LastModified: snap.ExportedAt}
	if out != nil && out.ETag != nil {
		obj.ETag = trimETag(*out.ETag)
	}
	s.log.Info("backup uploaded", "key", key, "size", obj.Size, "records", snap.RecordCount())
	return obj, nil
}

// Restore downloads a snapshot and imports it. An empty key restores latest.
// The local data is untouched when the download or import fails.
func (s *Service) Restore(ctx context.Context, key string) (*store.ImportStats, error) {
	if key == "" {
		key = s.key(latestKey)
	}
	doc, err := s.bucket.get(ctx, key, MaxSnapshotSize+1)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	if len(doc) > MaxSnapshotSize {
		return nil, fmt.Errorf("download %s: snapshot larger than %d bytes", key, MaxSnapshotSize)
	}
	stats, err := s.data.ImportOfflineData(ctx, bytes.NewReader(doc))
	if err != nil {
		return nil, err
	}
	s.log.Info("backup restored", "key", key, "records", stats.Records, "queue", stats.QueueItems)
	return stats, nil
}

// List returns stored snapshots, newest first.
func (s *Service) List(ctx context.Context) ([]Object, error) {
	objs, err := s.bucket.list(ctx, s.key(snapshotsDir)+"/")
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	sort.Slice(objs, func(i, j int) bool {
		return objs[i].Key > objs[j].Key
	})
	return objs, nil
}

func trimETag(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
