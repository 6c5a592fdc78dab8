package sync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratafs/stratafs/pkg/bus"
	"github.com/stratafs/stratafs/pkg/fingerprint"
	"github.com/stratafs/stratafs/pkg/index"
	"github.com/stratafs/stratafs/pkg/storage"
	"github.com/stratafs/stratafs/pkg/storage/backends"
)

func newContentStore() *backends.MockBackend {
	return backends.NewMockBackend(storage.TierDescriptor{
		Name:        "content-store",
		Class:       storage.ClassContentStore,
		LatencyRank: 30,
		Writable:    true,
	})
}

func openIndex(t *testing.T, role index.Role) *index.Index {
	t.Helper()
	idx, err := index.Open(t.TempDir(), index.Options{
		PartitionRowLimit:   2,
		BufferHighWatermark: 4,
		Role:                role,
	})
	require.NoError(t, err)
	return idx
}

func seedPartition(t *testing.T, idx *index.Index, labels ...string) []fingerprint.Fingerprint {
	t.Helper()
	ctx := context.Background()
	var fps []fingerprint.Fingerprint
	for _, label := range labels {
		fp, err := fingerprint.FromRaw([]byte(label))
		require.NoError(t, err)
		fps = append(fps, fp)
		require.NoError(t, idx.Upsert(ctx, &index.Record{
			Fingerprint: fp,
			SizeBytes:   int64(len(label)),
			Locations:   map[string]index.Location{"content-store": {Present: true}},
		}))
	}
	require.NoError(t, idx.Flush())
	return fps
}

// Two nodes on one bus: the coordinator announces, the worker
// requests, the body travels through the content store, and the worker
// ends up with the same partition and rows.
func TestSyncConvergence(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()
	store := newContentStore()
	ctx := context.Background()

	idx1 := openIndex(t, index.RoleCoordinator)
	defer idx1.Close()
	fps := seedPartition(t, idx1, "sync row one", "sync row two")

	idx2 := openIndex(t, index.RoleWorker)
	defer idx2.Close()

	h1 := NewHandler(Config{
		ClusterID: "testcluster", NodeID: "n1", Role: index.RoleCoordinator,
		AnnounceInterval: time.Hour, FetchTimeout: 2 * time.Second,
	}, b, idx1, store, nil)
	require.NoError(t, h1.Start(ctx))
	defer h1.Stop()

	h2 := NewHandler(Config{
		ClusterID: "testcluster", NodeID: "n2", Role: index.RoleWorker,
		AnnounceInterval: time.Hour, FetchTimeout: 2 * time.Second,
	}, b, idx2, store, nil)
	require.NoError(t, h2.Start(ctx))
	defer h2.Stop()

	h1.Announce(ctx)

	want := idx1.ManifestSnapshot()
	require.Len(t, want, 1)

	require.Eventually(t, func() bool {
		return idx2.HasPartition(want[0].PartitionID, want[0].ContentHash)
	}, 5*time.Second, 20*time.Millisecond, "worker never converged")

	for _, fp := range fps {
		r1, err := idx1.Get(fp)
		require.NoError(t, err)
		r2, err := idx2.Get(fp)
		require.NoError(t, err)
		assert.Equal(t, r1.SizeBytes, r2.SizeBytes)
		assert.Equal(t, r1.UpdatedAt.UnixNano(), r2.UpdatedAt.UnixNano())
	}
}

// A response pointing at a body whose hash does not match the
// announcement is discarded and never fetched again; a later good
// response succeeds.
func TestSyncCorruptPartitionRejected(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()
	store := newContentStore()
	ctx := context.Background()

	idx1 := openIndex(t, index.RoleCoordinator)
	defer idx1.Close()
	seedPartition(t, idx1, "good row a", "good row b")
	want := idx1.ManifestSnapshot()
	require.Len(t, want, 1)

	idx2 := openIndex(t, index.RoleWorker)
	defer idx2.Close()

	h2 := NewHandler(Config{
		ClusterID: "testcluster", NodeID: "n2", Role: index.RoleWorker,
		AnnounceInterval: time.Hour, FetchTimeout: time.Second,
	}, b, idx2, store, nil)
	require.NoError(t, h2.Start(ctx))
	defer h2.Stop()

	// Plant a corrupt body in the content store and point a forged
	// response at it.
	corrupt := []byte("not the partition at all")
	corruptFp, err := fingerprint.FromRaw(corrupt)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, corruptFp, corrupt))

	forged := Response{
		NodeID:               "evil",
		PartitionID:          want[0].PartitionID,
		ContentHash:          want[0].ContentHash,
		RowCount:             want[0].RowCount,
		CreatedAt:            want[0].CreatedAt,
		PartitionFingerprint: corruptFp.String(),
	}
	raw, err := json.Marshal(&forged)
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "/testcluster/index/response", raw))

	require.Never(t, func() bool {
		return len(idx2.ManifestSnapshot()) > 0
	}, 300*time.Millisecond, 50*time.Millisecond, "corrupt partition must not install")

	// The real holder now serves the partition; convergence succeeds
	// with a different partition fingerprint.
	h1 := NewHandler(Config{
		ClusterID: "testcluster", NodeID: "n1", Role: index.RoleCoordinator,
		AnnounceInterval: time.Hour, FetchTimeout: time.Second,
	}, b, idx1, store, nil)
	require.NoError(t, h1.Start(ctx))
	defer h1.Stop()

	h1.Announce(ctx)
	require.Eventually(t, func() bool {
		return idx2.HasPartition(want[0].PartitionID, want[0].ContentHash)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSyncEdgeDoesNotServeOrAnnounce(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()
	store := newContentStore()
	ctx := context.Background()

	edgeIdx := openIndex(t, index.RoleEdge)
	defer edgeIdx.Close()
	seedPartition(t, edgeIdx, "edge row")

	edge := NewHandler(Config{
		ClusterID: "testcluster", NodeID: "edge", Role: index.RoleEdge,
		AnnounceInterval: time.Hour, FetchTimeout: time.Second,
	}, b, edgeIdx, store, nil)
	require.NoError(t, edge.Start(ctx))
	defer edge.Stop()

	// A request on the bus is ignored by the edge (it has no request
	// subscription).
	req := Request{Requester: "n9", PartitionID: 1}
	raw, err := json.Marshal(&req)
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "/testcluster/index/request", raw))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, store.Puts, "edge never pushes partitions")
}

// An edge node can still pull a specific partition it was told about.
func TestSyncEdgeTargetedRequest(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()
	store := newContentStore()
	ctx := context.Background()

	idx1 := openIndex(t, index.RoleCoordinator)
	defer idx1.Close()
	seedPartition(t, idx1, "wanted row", "other row")
	want := idx1.ManifestSnapshot()
	require.Len(t, want, 1)

	h1 := NewHandler(Config{
		ClusterID: "testcluster", NodeID: "n1", Role: index.RoleCoordinator,
		AnnounceInterval: time.Hour, FetchTimeout: time.Second,
	}, b, idx1, store, nil)
	require.NoError(t, h1.Start(ctx))
	defer h1.Stop()

	edgeIdx := openIndex(t, index.RoleEdge)
	defer edgeIdx.Close()
	edge := NewHandler(Config{
		ClusterID: "testcluster", NodeID: "edge", Role: index.RoleEdge,
		AnnounceInterval: time.Hour, FetchTimeout: time.Second,
	}, b, edgeIdx, store, nil)
	require.NoError(t, edge.Start(ctx))
	defer edge.Stop()

	edge.RequestPartition(ctx, want[0].PartitionID, want[0].ContentHash)

	require.Eventually(t, func() bool {
		return edgeIdx.HasPartition(want[0].PartitionID, want[0].ContentHash)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSyncAnnouncementQueueBudget(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()
	store := newContentStore()

	idx := openIndex(t, index.RoleWorker)
	defer idx.Close()

	h := NewHandler(Config{
		ClusterID: "testcluster", NodeID: "n2", Role: index.RoleWorker,
		AnnounceInterval: time.Hour, FetchTimeout: time.Second,
		AnnounceQueueBudget: 1,
	}, b, idx, store, nil)
	// Not started: nothing drains the queue, so the second inbound
	// announcement must be shed.
	raw, err := json.Marshal(&Announcement{NodeID: "n1"})
	require.NoError(t, err)
	h.onAnnounce(raw)
	h.onAnnounce(raw)

	assert.Equal(t, int64(1), h.DroppedAnnouncements())
}
