package backup

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/openmined/farmsync/internal/entity"
	"github.com/openmined/farmsync/internal/store"
	"github.com/openmined/farmsync/internal/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	// pageSize forces ListObjectsV2 pagination when set
	pageSize int
}

func newMemBucket() *memBucket {
	return &memBucket{objects: make(map[string][]byte)}
}

func (m *memBucket) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{ETag: aws.String(`"etag-` + aws.ToString(in.Key) + `"`)}, nil
}

func (m *memBucket) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (m *memBucket) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		for i, k := range keys {
			if k == *in.ContinuationToken {
				start = i
			}
		}
	}
	end := len(keys)
	if m.pageSize > 0 && start+m.pageSize < end {
		end = start + m.pageSize
	}

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k), Size: aws.Int64(int64(len(m.objects[k])))})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

// storeSnapshotter adapts a store to the Snapshotter interface.
type storeSnapshotter struct {
	st *store.Store
}

func (s storeSnapshotter) ExportOfflineData(ctx context.Context, w io.Writer) (*store.Snapshot, error) {
	return s.st.WriteSnapshot(ctx, w)
}

func (s storeSnapshotter) ImportOfflineData(ctx context.Context, r io.Reader) (*store.ImportStats, error) {
	doc, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return s.st.ImportSnapshot(ctx, doc)
}

func newTestService(t *testing.T, prefix string) (*Service, *memBucket, *store.Store) {
	t.Helper()
	st, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	b := newMemBucket()
	svc, err := New(b, S3Config{Bucket: "farm-backups", Prefix: prefix}, storeSnapshotter{st: st})
	require.NoError(t, err)
	return svc, b, st
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(newMemBucket(), S3Config{}, storeSnapshotter{})
	assert.ErrorIs(t, err, ErrNoBucket)
}

func TestSnapshotKey(t *testing.T) {
	svc, _, _ := newTestService(t, "/farms/finca-1/")
	ts := time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC)
	assert.Equal(t, "farms/finca-1/snapshots/farmsync-20240309T140506Z.json", svc.SnapshotKey(ts))

	svc, _, _ = newTestService(t, "")
	assert.Equal(t, "snapshots/farmsync-20240309T140506Z.json", svc.SnapshotKey(ts))
}

func TestBackupAndRestore(t *testing.T) {
	svc, b, st := newTestService(t, "finca")
	ctx := context.Background()

	_, err := st.Put(ctx, entity.KindLot, "lot-1", []byte(`{"name":"north slope"}`))
	require.NoError(t, err)

	obj, err := svc.Backup(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(obj.Key, "finca/snapshots/farmsync-"))
	assert.NotEmpty(t, obj.ETag)
	assert.Contains(t, b.objects, "finca/latest.json")
	assert.Equal(t, b.objects[obj.Key], b.objects["finca/latest.json"])

	require.NoError(t, st.ClearAll(ctx))

	stats, err := svc.Restore(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Records)
	assert.Equal(t, 1, stats.QueueItems)

	rec, err := st.Get(ctx, entity.KindLot, "lot-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"north slope"}`, string(rec.Data))
}

func TestRestoreWithoutSnapshot(t *testing.T) {
	svc, _, _ := newTestService(t, "")
	_, err := svc.Restore(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestRestoreInvalidDocumentKeepsData(t *testing.T) {
	svc, b, st := newTestService(t, "")
	ctx := context.Background()
	_, err := st.Put(ctx, entity.KindTask, "task-1", []byte(`{"title":"prune"}`))
	require.NoError(t, err)

	b.objects["latest.json"] = []byte(`{"tables":{}}`)
	_, err = svc.Restore(ctx, "")
	assert.True(t, syncerr.IsFormat(err))

	_, err = st.Get(ctx, entity.KindTask, "task-1")
	assert.NoError(t, err)
}

func TestListPaginatesNewestFirst(t *testing.T) {
	svc, b, _ := newTestService(t, "")
	b.pageSize = 2
	for _, ts := range []string{"20240101T000000Z", "20240301T000000Z", "20240201T000000Z"} {
		b.objects["snapshots/farmsync-"+ts+".json"] = []byte("{}")
	}
	b.objects["latest.json"] = []byte("{}")

	objs, err := svc.List(context.Background())
	require.NoError(t, err)
	require.Len(t, objs, 3)
	assert.Equal(t, "snapshots/farmsync-20240301T000000Z.json", objs[0].Key)
	assert.Equal(t, "snapshots/farmsync-20240101T000000Z.json", objs[2].Key)
}
