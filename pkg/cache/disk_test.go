package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDisk(t *testing.T, budget int64) (*DiskCache, *HeatTracker) {
	t.Helper()
	heat := NewHeatTracker()
	d, err := NewDiskCache(t.TempDir(), budget, 0.9, heat, nil)
	require.NoError(t, err)
	return d, heat
}

func TestDiskRoundTrip(t *testing.T) {
	d, _ := newTestDisk(t, 1<<20)
	fp := testFP(t, "disk item")
	body := []byte("disk body bytes")

	require.NoError(t, d.Admit(fp, body))
	got, ok := d.Lookup(fp)
	require.True(t, ok)
	assert.Equal(t, body, got)
	assert.True(t, d.Contains(fp))
	assert.Equal(t, int64(len(body)), d.UsedBytes())
}

func TestDiskLookupMiss(t *testing.T) {
	d, _ := newTestDisk(t, 1<<20)
	_, ok := d.Lookup(testFP(t, "never stored"))
	assert.False(t, ok)
}

func TestDiskRemoveIdempotent(t *testing.T) {
	d, _ := newTestDisk(t, 1<<20)
	fp := testFP(t, "to remove")
	require.NoError(t, d.Admit(fp, []byte("x")))

	require.NoError(t, d.Remove(fp))
	assert.False(t, d.Contains(fp))
	require.NoError(t, d.Remove(fp))
	assert.Equal(t, int64(0), d.UsedBytes())
}

func TestDiskAtExactBudgetNoEviction(t *testing.T) {
	d, _ := newTestDisk(t, 300)
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Admit(testFP(t, fmt.Sprintf("exact-%d", i)), testBody(100)))
	}
	assert.Equal(t, 3, d.Len())
	assert.Equal(t, int64(300), d.UsedBytes())
}

func TestDiskOneByteOverEvictsToLowWater(t *testing.T) {
	d, heat := newTestDisk(t, 300)

	cold := testFP(t, "cold entry")
	require.NoError(t, d.Admit(cold, testBody(100)))
	hot1 := testFP(t, "hot-1")
	hot2 := testFP(t, "hot-2")
	require.NoError(t, d.Admit(hot1, testBody(100)))
	require.NoError(t, d.Admit(hot2, testBody(100)))

	// Heat separates victims: the cold entry has no accesses.
	for i := 0; i < 5; i++ {
		heat.Touch(hot1, "disk")
		heat.Touch(hot2, "disk")
	}

	require.NoError(t, d.Admit(testFP(t, "overflow"), testBody(1)))

	// 301 > 300 triggered eviction down to 300*0.9 = 270.
	assert.LessOrEqual(t, d.UsedBytes(), int64(270))
	assert.False(t, d.Contains(cold), "coldest entry is evicted first")
	assert.True(t, d.Contains(hot1))
	assert.True(t, d.Contains(hot2))
}

func TestDiskPinnedSurvivesEviction(t *testing.T) {
	d, _ := newTestDisk(t, 300)
	pinned := testFP(t, "pinned entry")
	require.NoError(t, d.Admit(pinned, testBody(100)))
	require.NoError(t, d.SetPinned(pinned, true))

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Admit(testFP(t, fmt.Sprintf("filler-%d", i)), testBody(100)))
	}

	assert.True(t, d.Contains(pinned))
}

func TestDiskSweepRemovesPartials(t *testing.T) {
	dir := t.TempDir()
	heat := NewHeatTracker()

	d, err := NewDiskCache(dir, 1<<20, 0.9, heat, nil)
	require.NoError(t, err)
	fp := testFP(t, "survivor")
	require.NoError(t, d.Admit(fp, []byte("kept")))

	// Simulate a crash mid-write: a temp file and a body with no
	// sidecar.
	orphan := testFP(t, "orphan")
	require.NoError(t, os.WriteFile(filepath.Join(dir, orphan.String()+".bin"), []byte("partial"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "whatever.bin.tmp"), []byte("temp"), 0o644))

	reopened, err := NewDiskCache(dir, 1<<20, 0.9, heat, nil)
	require.NoError(t, err)

	assert.True(t, reopened.Contains(fp))
	assert.False(t, reopened.Contains(orphan))
	_, err = os.Stat(filepath.Join(dir, "whatever.bin.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestDiskReopenRestoresIndex(t *testing.T) {
	dir := t.TempDir()
	heat := NewHeatTracker()

	d, err := NewDiskCache(dir, 1<<20, 0.9, heat, nil)
	require.NoError(t, err)
	fp := testFP(t, "persistent")
	body := []byte("persisted body")
	require.NoError(t, d.Admit(fp, body))

	reopened, err := NewDiskCache(dir, 1<<20, 0.9, heat, nil)
	require.NoError(t, err)
	got, ok := reopened.Lookup(fp)
	require.True(t, ok)
	assert.Equal(t, body, got)
	assert.Equal(t, int64(len(body)), reopened.UsedBytes())
}

func TestDiskConcurrentSameFingerprint(t *testing.T) {
	d, _ := newTestDisk(t, 1<<20)
	fp := testFP(t, "contended")
	body := testBody(64)

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			done <- d.Admit(fp, body)
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}

	assert.Equal(t, 1, d.Len())
	assert.Equal(t, int64(64), d.UsedBytes())
}
