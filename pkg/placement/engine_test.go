package placement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratafs/stratafs/pkg/cache"
	"github.com/stratafs/stratafs/pkg/fingerprint"
	"github.com/stratafs/stratafs/pkg/index"
	"github.com/stratafs/stratafs/pkg/storage"
	"github.com/stratafs/stratafs/pkg/storage/backends"
)

type engineFixture struct {
	engine   *Engine
	registry *storage.TierRegistry
	health   *storage.HealthMonitor
	arc      *cache.ARC
	disk     *cache.DiskCache
	heat     *cache.HeatTracker
	idx      *index.Index

	contentStore *backends.MockBackend
	objectStore  *backends.MockBackend
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()

	contentStore := backends.NewMockBackend(storage.TierDescriptor{
		Name: "content-store", Class: storage.ClassContentStore,
		LatencyRank: 30, DurabilityRank: 30, Writable: true,
		Capabilities: []string{storage.CapabilityRemoval},
	})
	objectStore := backends.NewMockBackend(storage.TierDescriptor{
		Name: "object-store", Class: storage.ClassObjectStore,
		LatencyRank: 50, DurabilityRank: 60, Writable: true,
		Capabilities: []string{storage.CapabilityRemoval},
	})

	registry := storage.NewTierRegistry()
	require.NoError(t, registry.Register(contentStore))
	require.NoError(t, registry.Register(objectStore))

	heat := cache.NewHeatTracker()
	disk, err := cache.NewDiskCache(t.TempDir(), 1<<20, 0.9, heat, nil)
	require.NoError(t, err)
	idx, err := index.Open(t.TempDir(), index.Options{
		PartitionRowLimit: 100, BufferHighWatermark: 200, Role: index.RoleCoordinator,
	})
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	arc := cache.NewARC(1 << 10)
	health := storage.NewHealthMonitor(50*time.Millisecond, nil)

	engine := NewEngine(Config{
		MaxProbeFanout:    3,
		MaxMemoryItemSize: 256,
		MaxRetriesPerTier: 1,
	}, registry, health, arc, disk, heat, idx, nil, nil)

	return &engineFixture{
		engine: engine, registry: registry, health: health,
		arc: arc, disk: disk, heat: heat, idx: idx,
		contentStore: contentStore, objectStore: objectStore,
	}
}

func fpFor(t *testing.T, body []byte) fingerprint.Fingerprint {
	t.Helper()
	fp, err := fingerprint.FromRaw(body)
	require.NoError(t, err)
	return fp
}

// Cold read promotion: content present only on the object store ends
// up on disk (and in memory when small enough), the serving tier is
// credited, and the index learns both locations.
func TestResolveColdReadPromotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := []byte("cold content body")
	fp := fpFor(t, body)
	require.NoError(t, f.objectStore.Put(ctx, fp, body))

	got, tier, err := f.engine.Resolve(ctx, fp, nil)
	require.NoError(t, err)
	assert.Equal(t, body, got)
	assert.Equal(t, "object-store", tier)

	assert.True(t, f.disk.Contains(fp), "promoted to disk")
	assert.True(t, f.arc.Contains(fp), "small body promoted to memory")

	hr, ok := f.heat.Get(fp)
	require.True(t, ok)
	assert.Equal(t, int64(1), hr.AccessCount)
	assert.Equal(t, int64(1), hr.TierHits["object-store"])

	rec, err := f.idx.Get(fp)
	require.NoError(t, err)
	assert.True(t, rec.Locations["object-store"].Present)
	assert.True(t, rec.Locations[TierDisk].Present)
}

func TestResolveLargeBodySkipsMemory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := make([]byte, 257) // one past the memory item cap
	fp := fpFor(t, body)
	require.NoError(t, f.objectStore.Put(ctx, fp, body))

	_, _, err := f.engine.Resolve(ctx, fp, nil)
	require.NoError(t, err)
	assert.True(t, f.disk.Contains(fp))
	assert.False(t, f.arc.Contains(fp))
}

func TestResolveBoundaryBodyEntersMemory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := make([]byte, 256) // exactly the cap
	fp := fpFor(t, body)
	require.NoError(t, f.objectStore.Put(ctx, fp, body))

	_, _, err := f.engine.Resolve(ctx, fp, nil)
	require.NoError(t, err)
	assert.True(t, f.arc.Contains(fp))
}

func TestResolveCacheHitsServeLocally(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := []byte("soon hot")
	fp := fpFor(t, body)
	require.NoError(t, f.objectStore.Put(ctx, fp, body))

	_, tier, err := f.engine.Resolve(ctx, fp, nil)
	require.NoError(t, err)
	require.Equal(t, "object-store", tier)

	_, tier, err = f.engine.Resolve(ctx, fp, nil)
	require.NoError(t, err)
	assert.Equal(t, TierMemory, tier)
	assert.Equal(t, 1, f.objectStore.Gets, "remote consulted exactly once")
}

func TestResolveNotFoundEverywhere(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.engine.Resolve(context.Background(), fpFor(t, []byte("nowhere")), nil)
	assert.True(t, storage.IsNotFound(err))
}

// A tier that fails transiently is retried once, then the engine falls
// back to the next present tier.
func TestResolveFallsBackAcrossTiers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := []byte("replicated body")
	fp := fpFor(t, body)
	require.NoError(t, f.contentStore.Put(ctx, fp, body))
	require.NoError(t, f.objectStore.Put(ctx, fp, body))

	// Seed the index so both tiers are candidates.
	rec := &index.Record{Fingerprint: fp, SizeBytes: int64(len(body))}
	rec.MarkPresent("content-store", time.Now())
	rec.MarkPresent("object-store", time.Now())
	require.NoError(t, f.idx.Upsert(ctx, rec))

	// Content store fails the first attempt and its retry.
	transient := storage.NewError(storage.ErrCodeTransient, "content-store", "flaky", nil)
	f.contentStore.FailWith("get", transient)
	f.contentStore.FailWith("get", transient)

	got, tier, err := f.engine.Resolve(ctx, fp, nil)
	require.NoError(t, err)
	assert.Equal(t, body, got)
	assert.Equal(t, "object-store", tier)
}

// Corrupt bodies are quarantined: the copy removed, the location
// dropped, the read served from elsewhere.
func TestResolveQuarantinesCorruption(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := []byte("intact body")
	fp := fpFor(t, body)
	require.NoError(t, f.objectStore.Put(ctx, fp, body))

	rec := &index.Record{Fingerprint: fp, SizeBytes: int64(len(body))}
	rec.MarkPresent("content-store", time.Now())
	rec.MarkPresent("object-store", time.Now())
	require.NoError(t, f.idx.Upsert(ctx, rec))

	corruption := storage.NewError(storage.ErrCodeCorruption, "content-store", "hash mismatch", nil)
	f.contentStore.FailWith("get", corruption)

	got, tier, err := f.engine.Resolve(ctx, fp, nil)
	require.NoError(t, err)
	assert.Equal(t, body, got)
	assert.Equal(t, "object-store", tier)

	after, err := f.idx.Get(fp)
	require.NoError(t, err)
	assert.False(t, after.Locations["content-store"].Present, "corrupt location dropped")
}

// Two consecutive failures fault a tier; it is skipped until the probe
// interval elapses.
func TestResolveSkipsFaultedTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := []byte("fault test body")
	fp := fpFor(t, body)
	require.NoError(t, f.objectStore.Put(ctx, fp, body))

	f.health.ObserveFailure("content-store")
	f.health.ObserveFailure("content-store")
	require.False(t, f.health.Available("content-store"))

	_, tier, err := f.engine.Resolve(ctx, fp, nil)
	require.NoError(t, err)
	assert.Equal(t, "object-store", tier)
	assert.Equal(t, 0, f.contentStore.Gets, "faulted tier untouched")
}

func TestResolveHints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := []byte("hinted body")
	fp := fpFor(t, body)
	require.NoError(t, f.objectStore.Put(ctx, fp, body))

	// No index record; the hint names the right tier directly.
	got, tier, err := f.engine.Resolve(ctx, fp, []string{"object-store"})
	require.NoError(t, err)
	assert.Equal(t, body, got)
	assert.Equal(t, "object-store", tier)
}

func TestPlaceWriteDurableMinimum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := []byte("durably written")
	fp := fpFor(t, body)

	written, err := f.engine.PlaceWrite(ctx, fp, body)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{TierDisk, "content-store"}, written)

	assert.True(t, f.disk.Contains(fp))
	has, err := f.contentStore.Has(ctx, fp)
	require.NoError(t, err)
	assert.True(t, has)

	rec, err := f.idx.Get(fp)
	require.NoError(t, err)
	assert.True(t, rec.Locations[TierDisk].Present)
	assert.True(t, rec.Locations["content-store"].Present)
}

func TestPlaceWriteShortCircuitsOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := []byte("rejected write")
	fp := fpFor(t, body)
	f.contentStore.FailWith("put",
		storage.NewError(storage.ErrCodeCapacity, "content-store", "full", nil))

	written, err := f.engine.PlaceWrite(ctx, fp, body)
	require.Error(t, err)
	assert.Equal(t, storage.ErrCodeCapacity, storage.CodeOf(err))
	assert.Equal(t, []string{TierDisk}, written, "disk succeeded before the failure")
}

func TestWriteTierRecordsLocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := []byte("archived body")
	fp := fpFor(t, body)
	require.NoError(t, f.engine.WriteTier(ctx, f.objectStore, fp, body))

	rec, err := f.idx.Get(fp)
	require.NoError(t, err)
	assert.True(t, rec.Locations["object-store"].Present)
}

func TestReadYourWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := []byte("read my write")
	fp := fpFor(t, body)
	_, err := f.engine.PlaceWrite(ctx, fp, body)
	require.NoError(t, err)

	got, _, err := f.engine.Resolve(ctx, fp, nil)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}
