package index

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratafs/stratafs/pkg/fingerprint"
	"github.com/stratafs/stratafs/pkg/storage"
)

func openTestIndex(t *testing.T, dir string, rowLimit int) *Index {
	t.Helper()
	idx, err := Open(dir, Options{
		PartitionRowLimit:   rowLimit,
		BufferHighWatermark: rowLimit * 2,
		Role:                RoleCoordinator,
	})
	require.NoError(t, err)
	return idx
}

func TestIndexUpsertGet(t *testing.T) {
	idx := openTestIndex(t, t.TempDir(), 100)
	defer idx.Close()
	ctx := context.Background()

	rec := testRecord(t, "first row", 10)
	require.NoError(t, idx.Upsert(ctx, rec))

	got, err := idx.Get(rec.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.SizeBytes)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestIndexGetUnknown(t *testing.T) {
	idx := openTestIndex(t, t.TempDir(), 100)
	defer idx.Close()

	fp, _ := fingerprint.FromRaw([]byte("unknown"))
	_, err := idx.Get(fp)
	assert.True(t, storage.IsNotFound(err))
}

func TestIndexLatestRowWins(t *testing.T) {
	idx := openTestIndex(t, t.TempDir(), 100)
	defer idx.Close()
	ctx := context.Background()

	rec := testRecord(t, "versioned", 1)
	require.NoError(t, idx.Upsert(ctx, rec))

	rec2 := rec.Clone()
	rec2.SizeBytes = 2
	require.NoError(t, idx.Upsert(ctx, rec2))

	got, err := idx.Get(rec.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.SizeBytes)
}

// UpdatedAt must be non-decreasing across successive reads of one
// fingerprint.
func TestIndexUpdatedAtMonotonic(t *testing.T) {
	idx := openTestIndex(t, t.TempDir(), 100)
	defer idx.Close()
	ctx := context.Background()

	rec := testRecord(t, "monotonic", 1)
	var last time.Time
	for i := 0; i < 20; i++ {
		require.NoError(t, idx.Upsert(ctx, rec))
		got, err := idx.Get(rec.Fingerprint)
		require.NoError(t, err)
		assert.True(t, got.UpdatedAt.After(last), "updated_at went backwards")
		last = got.UpdatedAt
	}
}

func TestIndexTombstone(t *testing.T) {
	idx := openTestIndex(t, t.TempDir(), 100)
	defer idx.Close()
	ctx := context.Background()

	rec := testRecord(t, "condemned", 1)
	require.NoError(t, idx.Upsert(ctx, rec))
	require.NoError(t, idx.Delete(ctx, rec.Fingerprint))

	_, err := idx.Get(rec.Fingerprint)
	assert.True(t, storage.IsNotFound(err))

	// Deletion survives a flush too.
	require.NoError(t, idx.Flush())
	_, err = idx.Get(rec.Fingerprint)
	assert.True(t, storage.IsNotFound(err))
}

func TestIndexFlushAtExactlyRowLimit(t *testing.T) {
	idx := openTestIndex(t, t.TempDir(), 3)
	defer idx.Close()
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, testRecord(t, "r1", 1)))
	require.NoError(t, idx.Upsert(ctx, testRecord(t, "r2", 2)))
	assert.Equal(t, 2, idx.BufferLen(), "below the limit, no flush")
	assert.Empty(t, idx.ManifestSnapshot())

	require.NoError(t, idx.Upsert(ctx, testRecord(t, "r3", 3)))
	assert.Equal(t, 0, idx.BufferLen(), "at the limit, flushed")

	entries := idx.ManifestSnapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].RowCount)
	assert.NotEmpty(t, entries[0].ContentHash)
}

// Crash simulation: rows flushed to a partition survive reopening; the
// buffer is empty and every row resolves.
func TestIndexFlushAndRecovery(t *testing.T) {
	dir := t.TempDir()
	idx := openTestIndex(t, dir, 3)
	ctx := context.Background()

	recs := []*Record{
		testRecord(t, "s4-r1", 1),
		testRecord(t, "s4-r2", 2),
		testRecord(t, "s4-r3", 3),
	}
	for _, r := range recs {
		require.NoError(t, idx.Upsert(ctx, r))
	}
	// Flush happened at the row limit. Simulate a crash: no Close.

	reopened := openTestIndex(t, dir, 3)
	defer reopened.Close()

	assert.Equal(t, 0, reopened.BufferLen())
	entries := reopened.ManifestSnapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].RowCount)

	for _, r := range recs {
		got, err := reopened.Get(r.Fingerprint)
		require.NoError(t, err)
		assert.Equal(t, r.SizeBytes, got.SizeBytes)
	}
}

// Unflushed rows are recovered from the WAL after a crash.
func TestIndexWALRecovery(t *testing.T) {
	dir := t.TempDir()
	idx := openTestIndex(t, dir, 100)
	ctx := context.Background()

	rec := testRecord(t, "wal survivor", 7)
	require.NoError(t, idx.Upsert(ctx, rec))
	require.Equal(t, 1, idx.BufferLen())
	// Crash: the index is abandoned without Close or Flush.

	reopened := openTestIndex(t, dir, 100)
	defer reopened.Close()

	assert.Equal(t, 1, reopened.BufferLen())
	got, err := reopened.Get(rec.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.SizeBytes)
}

func TestIndexQueryPredicates(t *testing.T) {
	idx := openTestIndex(t, t.TempDir(), 100)
	defer idx.Close()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		r := testRecord(t, fmt.Sprintf("query row %d", i), int64(i*100))
		r.MimeType = "application/octet-stream"
		require.NoError(t, idx.Upsert(ctx, r))
	}

	results, err := idx.Query([]Predicate{
		{Column: "size_bytes", Op: OpGt, Value: int64(250)},
	}, nil, 0)
	require.NoError(t, err)
	assert.Len(t, results, 3)

	results, err = idx.Query([]Predicate{
		{Column: "size_bytes", Op: OpGe, Value: int64(200)},
		{Column: "size_bytes", Op: OpLe, Value: int64(300)},
	}, nil, 0)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	results, err = idx.Query([]Predicate{
		{Column: "size_bytes", Op: OpIn, Value: []int64{100, 500}},
	}, nil, 0)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	results, err = idx.Query([]Predicate{
		{Column: "mime_type", Op: OpNe, Value: "application/octet-stream"},
	}, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestIndexQueryLimit(t *testing.T) {
	idx := openTestIndex(t, t.TempDir(), 100)
	defer idx.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, idx.Upsert(ctx, testRecord(t, fmt.Sprintf("lim %d", i), 1)))
	}

	results, err := idx.Query(nil, nil, 4)
	require.NoError(t, err)
	assert.Len(t, results, 4)
}

func TestIndexQuerySpansPartitionsAndBuffer(t *testing.T) {
	idx := openTestIndex(t, t.TempDir(), 2)
	defer idx.Close()
	ctx := context.Background()

	// Two rows flush into a partition, one stays buffered.
	require.NoError(t, idx.Upsert(ctx, testRecord(t, "span 1", 10)))
	require.NoError(t, idx.Upsert(ctx, testRecord(t, "span 2", 20)))
	require.NoError(t, idx.Upsert(ctx, testRecord(t, "span 3", 30)))
	assert.Equal(t, 1, idx.BufferLen())

	results, err := idx.Query([]Predicate{
		{Column: "size_bytes", Op: OpGe, Value: int64(10)},
	}, nil, 0)
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestIndexQueryUnknownColumn(t *testing.T) {
	idx := openTestIndex(t, t.TempDir(), 100)
	defer idx.Close()

	_, err := idx.Query([]Predicate{{Column: "bogus", Op: OpEq, Value: 1}}, nil, 0)
	assert.Error(t, err)
}

func TestIndexInstallPartition(t *testing.T) {
	source := openTestIndex(t, t.TempDir(), 2)
	ctx := context.Background()
	r1 := testRecord(t, "install 1", 1)
	r2 := testRecord(t, "install 2", 2)
	require.NoError(t, source.Upsert(ctx, r1))
	require.NoError(t, source.Upsert(ctx, r2))
	entries := source.ManifestSnapshot()
	require.Len(t, entries, 1)

	data, info, err := source.PartitionData(entries[0].PartitionID)
	require.NoError(t, err)
	source.Close()

	dest := openTestIndex(t, t.TempDir(), 2)
	defer dest.Close()

	id, err := dest.InstallPartition(data, info)
	require.NoError(t, err)
	assert.True(t, dest.HasPartition(id, info.ContentHash))

	got, err := dest.Get(r1.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.SizeBytes)

	// Reinstall is a no-op.
	again, err := dest.InstallPartition(data, info)
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestIndexInstallRejectsCorruption(t *testing.T) {
	source := openTestIndex(t, t.TempDir(), 1)
	ctx := context.Background()
	require.NoError(t, source.Upsert(ctx, testRecord(t, "corrupt me", 1)))
	entries := source.ManifestSnapshot()
	require.Len(t, entries, 1)
	data, info, err := source.PartitionData(entries[0].PartitionID)
	require.NoError(t, err)
	source.Close()

	dest := openTestIndex(t, t.TempDir(), 1)
	defer dest.Close()

	tampered := append([]byte(nil), data...)
	tampered[len(tampered)-1] ^= 0xFF
	_, err = dest.InstallPartition(tampered, info)
	require.Error(t, err)
	assert.Equal(t, storage.ErrCodeCorruption, storage.CodeOf(err))
	assert.Empty(t, dest.ManifestSnapshot(), "manifest untouched after corrupt install")
}

func TestIndexCompactGarbageCollectsTombstones(t *testing.T) {
	idx := openTestIndex(t, t.TempDir(), 2)
	defer idx.Close()
	ctx := context.Background()

	keep := testRecord(t, "keeper", 1)
	dead := testRecord(t, "goner", 2)
	require.NoError(t, idx.Upsert(ctx, keep))
	require.NoError(t, idx.Upsert(ctx, dead))
	require.NoError(t, idx.Delete(ctx, dead.Fingerprint))
	require.NoError(t, idx.Flush())
	require.True(t, len(idx.ManifestSnapshot()) > 1)

	// A zero GC window expires every tombstone immediately.
	require.NoError(t, idx.Compact(0))

	entries := idx.ManifestSnapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RowCount, "only the live row survives")

	got, err := idx.Get(keep.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.SizeBytes)
	_, err = idx.Get(dead.Fingerprint)
	assert.True(t, storage.IsNotFound(err))
}

func TestIndexCompactKeepsFreshTombstones(t *testing.T) {
	idx := openTestIndex(t, t.TempDir(), 2)
	defer idx.Close()
	ctx := context.Background()

	dead := testRecord(t, "recently deleted", 1)
	require.NoError(t, idx.Upsert(ctx, dead))
	require.NoError(t, idx.Delete(ctx, dead.Fingerprint))
	require.NoError(t, idx.Flush())

	require.NoError(t, idx.Compact(7*24*time.Hour))

	// The tombstone is still discoverable for peers.
	_, err := idx.Get(dead.Fingerprint)
	assert.True(t, storage.IsNotFound(err))
	entries := idx.ManifestSnapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RowCount)
}

func TestIndexBackpressureDeadline(t *testing.T) {
	idx := openTestIndex(t, t.TempDir(), 1000)
	idx.opts.BufferHighWatermark = 2
	defer idx.Close()

	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, testRecord(t, "bp 1", 1)))
	require.NoError(t, idx.Upsert(ctx, testRecord(t, "bp 2", 2)))

	// The buffer is at the watermark and nothing drains it: the next
	// upsert must give up at its deadline.
	deadlineCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := idx.Upsert(deadlineCtx, testRecord(t, "bp 3", 3))
	assert.Error(t, err)
}
