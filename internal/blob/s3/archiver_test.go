package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/collectex/internal/domain"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]map[string]string
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: make(map[string][]byte), meta: make(map[string]map[string]string)}
}

func (m *memBlobs) Put(_ context.Context, obj domain.BlobObject, data io.Reader) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if obj.Size != int64(len(b)) {
		return fmt.Errorf("put %s: size %d, read %d", obj.Path, obj.Size, len(b))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[obj.Path] = b
	m.meta[obj.Path] = obj.Metadata
	return nil
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, nil, fmt.Errorf("get %s: %w", path, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(b)), m.meta[path], nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for p, b := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(b))})
		}
	}
	// Object stores do not promise an order.
	sort.Slice(out, func(i, j int) bool { return out[i].Path > out[j].Path })
	return out, nil
}

func (m *memBlobs) exists(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok
}

func (m *memBlobs) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSnapshotPathSortsByTime(t *testing.T) {
	a := snapshotPath(time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC))
	b := snapshotPath(time.Date(2026, 10, 19, 0, 0, 0, 0, time.FixedZone("x", 3600)))
	assert.Equal(t, "snapshots/2026/01/02/20260102T030405.000000006Z.json", a)
	assert.Less(t, a, b)
}

func TestArchiveAndLatest(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	seq := uint64(0)
	source := func() domain.LedgerState {
		seq++
		return domain.LedgerState{Params: domain.LedgerParams{NextOrderID: seq + 1, EventSeq: seq}}
	}
	a := NewArchiver(blobs, blobs, source, nil, discard())

	_, err := a.LatestSnapshot(ctx)
	require.ErrorIs(t, err, domain.ErrNotFound)

	t0 := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	p1, err := a.ArchiveSnapshot(ctx, t0)
	require.NoError(t, err)
	p2, err := a.ArchiveSnapshot(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)

	st, err := a.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.Params.EventSeq)

	var raw domain.LedgerState
	require.NoError(t, json.Unmarshal(blobs.objects[p1], &raw))
	assert.Equal(t, uint64(1), raw.Params.EventSeq)
	assert.Equal(t, "1", blobs.meta[p1][metaEventSeq])
	assert.Len(t, blobs.meta[p1][metaChecksum], 64)
}

func TestLatestSnapshotDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	a := NewArchiver(blobs, blobs, func() domain.LedgerState {
		return domain.LedgerState{Params: domain.LedgerParams{EventSeq: 7}}
	}, nil, discard())

	p, err := a.ArchiveSnapshot(ctx, time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	blobs.objects[p] = append(blobs.objects[p], ' ')
	_, err = a.LatestSnapshot(ctx)
	require.ErrorIs(t, err, ErrChecksumMismatch)

	// Objects written without a checksum still decode.
	delete(blobs.meta[p], metaChecksum)
	st, err := a.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), st.Params.EventSeq)
}

func TestRetentionPrunesOldest(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	a := NewArchiver(blobs, blobs, func() domain.LedgerState { return domain.LedgerState{} }, nil, discard()).
		WithRetention(blobs, 2)

	t0 := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	var paths []string
	for i := range 4 {
		p, err := a.ArchiveSnapshot(ctx, t0.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
		paths = append(paths, p)
	}
	infos, err := blobs.List(ctx, snapshotPrefix)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	for _, p := range paths[:2] {
		assert.False(t, blobs.exists(p), p)
	}
	for _, p := range paths[2:] {
		assert.True(t, blobs.exists(p), p)
	}
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("s3.example.com", true))
	assert.Equal(t, "http://10.0.0.5:9000", normaliseEndpoint("10.0.0.5:9000", false))
	assert.Equal(t, "http://already", normaliseEndpoint("http://already", true))
}
