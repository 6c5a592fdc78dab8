package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stratafs/stratafs/pkg/fingerprint"
	"github.com/stratafs/stratafs/pkg/storage"
)

// Role determines how a node participates in the index.
type Role string

const (
	// RoleCoordinator maintains the full index and publishes partitions.
	RoleCoordinator Role = "coordinator"
	// RoleWorker maintains the full index, consumes publications and
	// may republish.
	RoleWorker Role = "worker"
	// RoleEdge maintains only records for fingerprints it has touched
	// and never publishes.
	RoleEdge Role = "edge"
)

const (
	manifestFile  = "manifest.json"
	walFile       = "buffer.wal"
	partitionsDir = "partitions"
)

// Options configures an Index.
type Options struct {
	PartitionRowLimit   int
	BufferHighWatermark int
	Role                Role
	Logger              *zap.Logger
}

// Index is the node-local metadata index: an in-memory WAL-backed
// write buffer over a set of immutable columnar partitions. Writes go
// to the buffer; reads merge buffer and partitions, newest row per
// fingerprint winning.
type Index struct {
	dir     string
	opts    Options
	logger  *zap.Logger
	wal     *WAL

	mu          sync.Mutex
	flushCond   *sync.Cond
	buffer      []*Record
	manifest    *Manifest
	partitions  map[uint64]*Partition
	lastUpdated map[string]time.Time // monotonic updated_at per fingerprint
	flushing    bool
}

// Open loads (or initializes) an index under dir: the manifest is
// read, partitions opened, and any WAL entries from a crash replayed
// into the buffer.
func Open(dir string, opts Options) (*Index, error) {
	if opts.PartitionRowLimit <= 0 {
		opts.PartitionRowLimit = 1_000_000
	}
	if opts.BufferHighWatermark <= 0 {
		opts.BufferHighWatermark = 2 * opts.PartitionRowLimit
	}
	if opts.Role == "" {
		opts.Role = RoleEdge
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Join(dir, partitionsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	manifest, err := LoadManifest(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, err
	}

	idx := &Index{
		dir:         dir,
		opts:        opts,
		logger:      opts.Logger,
		manifest:    manifest,
		partitions:  make(map[uint64]*Partition),
		lastUpdated: make(map[string]time.Time),
	}
	idx.flushCond = sync.NewCond(&idx.mu)

	for id, info := range manifest.Partitions {
		p, err := OpenPartition(filepath.Join(dir, info.Path))
		if err != nil {
			// A partition listed in the manifest but unreadable is
			// local corruption: drop it from the manifest and let sync
			// re-fetch it.
			opts.Logger.Warn("dropping unreadable partition",
				zap.Uint64("partition_id", id), zap.Error(err))
			delete(manifest.Partitions, id)
			continue
		}
		idx.partitions[id] = p
	}

	wal, err := OpenWAL(filepath.Join(dir, walFile))
	if err != nil {
		return nil, err
	}
	idx.wal = wal

	if err := wal.Replay(func(r *Record) error {
		idx.buffer = append(idx.buffer, r)
		if r.UpdatedAt.After(idx.lastUpdated[r.Fingerprint.Key()]) {
			idx.lastUpdated[r.Fingerprint.Key()] = r.UpdatedAt
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return idx, nil
}

// Role returns the node's index role.
func (idx *Index) Role() Role {
	return idx.opts.Role
}

// Upsert appends a record to the write buffer. The fingerprint is the
// immutable key; UpdatedAt is assigned here and is monotonic per
// fingerprint. Blocks (bounded by ctx) when the buffer is above the
// high watermark.
func (idx *Index) Upsert(ctx context.Context, r *Record) error {
	if !r.Fingerprint.Defined() {
		return fmt.Errorf("record has no fingerprint")
	}

	idx.mu.Lock()
	for len(idx.buffer) >= idx.opts.BufferHighWatermark {
		if err := idx.waitForDrain(ctx); err != nil {
			idx.mu.Unlock()
			return err
		}
	}

	rec := r.Clone()
	now := time.Now().UTC()
	key := rec.Fingerprint.Key()
	if last, ok := idx.lastUpdated[key]; ok && !now.After(last) {
		now = last.Add(time.Nanosecond)
	}
	rec.UpdatedAt = now
	idx.lastUpdated[key] = now
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	idx.mu.Unlock()

	// WAL before buffer: an acknowledged upsert survives a crash.
	if err := idx.wal.Append(rec); err != nil {
		return err
	}

	idx.mu.Lock()
	idx.buffer = append(idx.buffer, rec)
	needFlush := len(idx.buffer) >= idx.opts.PartitionRowLimit && !idx.flushing
	idx.mu.Unlock()

	if needFlush {
		return idx.Flush()
	}
	return nil
}

// waitForDrain blocks until the flusher makes room or the context
// ends. Called with idx.mu held; returns with it held.
func (idx *Index) waitForDrain(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			idx.flushCond.Broadcast()
		case <-done:
		}
	}()
	idx.flushCond.Wait()
	close(done)
	return ctx.Err()
}

// Delete emits a tombstone for a fingerprint. The row stays
// discoverable until compaction garbage-collects it, so peers learn of
// the deletion.
func (idx *Index) Delete(ctx context.Context, fp fingerprint.Fingerprint) error {
	return idx.Upsert(ctx, NewTombstone(fp, time.Now().UTC()))
}

// bufferSnapshot returns the current buffer slice; the slice is
// append-only so reading it without the lock afterwards is safe.
func (idx *Index) bufferSnapshot() []*Record {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.buffer[:len(idx.buffer):len(idx.buffer)]
}

func (idx *Index) partitionsNewestFirst() []*Partition {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	out := make([]*Partition, 0, len(idx.partitions))
	for _, p := range idx.partitions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// Get returns the authoritative row for a fingerprint: the greatest
// UpdatedAt across buffer and partitions, honoring tombstones.
func (idx *Index) Get(fp fingerprint.Fingerprint) (*Record, error) {
	var best *Record

	for _, r := range idx.bufferSnapshot() {
		if r.Fingerprint.Equal(fp) && (best == nil || r.UpdatedAt.After(best.UpdatedAt)) {
			best = r
		}
	}

	for _, p := range idx.partitionsNewestFirst() {
		if !p.MightContain(fp) {
			continue
		}
		fps, err := p.StringColumn("fingerprint")
		if err != nil {
			return nil, err
		}
		var indices []int
		want := fp.String()
		for i, s := range fps {
			if s == want {
				indices = append(indices, i)
			}
		}
		if len(indices) == 0 {
			continue
		}
		rows, err := p.ReadRecords(indices, nil)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			if best == nil || r.UpdatedAt.After(best.UpdatedAt) {
				best = r
			}
		}
	}

	if best == nil || best.Tombstone() {
		return nil, storage.ErrNotFound("index")
	}
	return best.Clone(), nil
}

// Query evaluates predicates across the buffer and all partitions,
// reduces to the most recent row per fingerprint, drops tombstones,
// and applies the limit. A non-empty columns list restricts which
// optional columns partitions materialize.
func (idx *Index) Query(preds []Predicate, columns []string, limit int) ([]*Record, error) {
	for _, p := range preds {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}

	var projection map[string]bool
	if len(columns) > 0 {
		projection = make(map[string]bool, len(columns)+len(preds))
		for _, c := range columns {
			projection[c] = true
		}
		for _, p := range preds {
			projection[p.Column] = true
		}
	}

	best := make(map[string]*Record)
	consider := func(r *Record) {
		key := r.Fingerprint.Key()
		if cur, ok := best[key]; !ok || r.UpdatedAt.After(cur.UpdatedAt) {
			best[key] = r
		}
	}

	for _, r := range idx.bufferSnapshot() {
		match := true
		for _, pred := range preds {
			if !pred.Match(recordColumn(r, pred.Column)) {
				match = false
				break
			}
		}
		if match {
			consider(r)
		}
	}

	for _, p := range idx.partitionsNewestFirst() {
		indices, err := matchPartition(p, preds)
		if err != nil {
			return nil, err
		}
		rows, err := p.ReadRecords(indices, projection)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			consider(r)
		}
	}

	results := make([]*Record, 0, len(best))
	for _, r := range best {
		if !r.Tombstone() {
			results = append(results, r.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Fingerprint.Less(results[j].Fingerprint)
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Flush writes the buffered rows to a new partition. The buffer is
// swapped under the lock and written without holding it; the WAL is
// truncated only after the manifest records the new partition.
func (idx *Index) Flush() error {
	idx.mu.Lock()
	if idx.flushing || len(idx.buffer) == 0 {
		idx.mu.Unlock()
		return nil
	}
	idx.flushing = true
	rows := idx.buffer
	idx.buffer = nil
	id := idx.manifest.NextID()
	idx.mu.Unlock()

	restore := func() {
		idx.mu.Lock()
		idx.buffer = append(rows, idx.buffer...)
		idx.flushing = false
		idx.flushCond.Broadcast()
		idx.mu.Unlock()
	}

	relPath := filepath.Join(partitionsDir, fmt.Sprintf("part-%06d.col", id))
	absPath := filepath.Join(idx.dir, relPath)
	hash, err := WritePartition(absPath, id, rows)
	if err != nil {
		restore()
		return err
	}
	p, err := OpenPartition(absPath)
	if err != nil {
		restore()
		return err
	}

	idx.mu.Lock()
	idx.manifest.Partitions[id] = PartitionInfo{
		PartitionID: id,
		Path:        relPath,
		RowCount:    len(rows),
		ContentHash: hash,
		CreatedAt:   p.CreatedAt(),
	}
	err = idx.manifest.Save(filepath.Join(idx.dir, manifestFile))
	if err == nil {
		idx.partitions[id] = p
	}
	idx.flushing = false
	idx.flushCond.Broadcast()
	idx.mu.Unlock()

	if err != nil {
		p.Close()
		os.Remove(absPath)
		// Partition written but manifest not: put rows back.
		idx.mu.Lock()
		idx.buffer = append(rows, idx.buffer...)
		idx.mu.Unlock()
		return err
	}

	if err := idx.wal.Truncate(); err != nil {
		idx.logger.Warn("wal truncate failed; replay will be redundant but harmless", zap.Error(err))
	}
	idx.logger.Info("flushed index partition",
		zap.Uint64("partition_id", id),
		zap.Int("rows", len(rows)),
		zap.String("content_hash", hash))
	return nil
}

// ManifestSnapshot returns the installed partitions, newest first.
func (idx *Index) ManifestSnapshot() []PartitionInfo {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.manifest.Entries()
}

// HasPartition reports whether a partition with the given id and
// content hash is installed.
func (idx *Index) HasPartition(id uint64, contentHash string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, info := range idx.manifest.Partitions {
		if info.PartitionID == id && info.ContentHash == contentHash {
			return true
		}
	}
	return false
}

// PartitionData reads the raw bytes of an installed partition, for
// serving sync requests.
func (idx *Index) PartitionData(id uint64) ([]byte, PartitionInfo, error) {
	idx.mu.Lock()
	info, ok := idx.manifest.Partitions[id]
	idx.mu.Unlock()
	if !ok {
		return nil, PartitionInfo{}, storage.ErrNotFound("index")
	}
	data, err := os.ReadFile(filepath.Join(idx.dir, info.Path))
	if err != nil {
		return nil, PartitionInfo{}, err
	}
	return data, info, nil
}

// InstallPartition verifies a downloaded partition against its
// announced content hash and installs it atomically. A colliding
// partition id with different content is assigned a fresh local id;
// readers resolve rows by UpdatedAt, not partition identity.
func (idx *Index) InstallPartition(data []byte, announced PartitionInfo) (uint64, error) {
	if HashBytes(data) != announced.ContentHash {
		return 0, storage.NewError(storage.ErrCodeCorruption, "index",
			fmt.Sprintf("partition %d content hash mismatch", announced.PartitionID), nil)
	}

	idx.mu.Lock()
	id := announced.PartitionID
	if existing, ok := idx.manifest.Partitions[id]; ok {
		if existing.ContentHash == announced.ContentHash {
			idx.mu.Unlock()
			return id, nil
		}
		id = idx.manifest.NextID()
	}
	idx.mu.Unlock()

	relPath := filepath.Join(partitionsDir, fmt.Sprintf("part-%06d.col", id))
	absPath := filepath.Join(idx.dir, relPath)
	tmp := absPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return 0, fmt.Errorf("stage partition: %w", err)
	}
	if err := os.Rename(tmp, absPath); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("install partition: %w", err)
	}
	p, err := OpenPartition(absPath)
	if err != nil {
		os.Remove(absPath)
		return 0, err
	}

	idx.mu.Lock()
	idx.manifest.Partitions[id] = PartitionInfo{
		PartitionID: id,
		Path:        relPath,
		RowCount:    announced.RowCount,
		ContentHash: announced.ContentHash,
		CreatedAt:   announced.CreatedAt,
	}
	err = idx.manifest.Save(filepath.Join(idx.dir, manifestFile))
	if err == nil {
		idx.partitions[id] = p
	}
	idx.mu.Unlock()

	if err != nil {
		p.Close()
		os.Remove(absPath)
		return 0, err
	}
	idx.logger.Info("installed partition",
		zap.Uint64("partition_id", id),
		zap.Int("rows", announced.RowCount))
	return id, nil
}

// Compact folds all partitions into one: the newest row per
// fingerprint survives, and tombstones older than gcWindow are
// garbage-collected. Old partition files are retired after the new
// manifest is installed.
func (idx *Index) Compact(gcWindow time.Duration) error {
	// Flush first so the buffer participates.
	if err := idx.Flush(); err != nil {
		return err
	}

	parts := idx.partitionsNewestFirst()
	if len(parts) == 0 {
		return nil
	}

	best := make(map[string]*Record)
	total := 0
	for _, p := range parts {
		rows, err := p.AllRecords()
		if err != nil {
			return err
		}
		total += len(rows)
		for _, r := range rows {
			key := r.Fingerprint.Key()
			if cur, ok := best[key]; !ok || r.UpdatedAt.After(cur.UpdatedAt) {
				best[key] = r
			}
		}
	}

	cutoff := time.Now().UTC().Add(-gcWindow)
	survivors := make([]*Record, 0, len(best))
	for _, r := range best {
		if r.Tombstone() && r.DeletedAt.Before(cutoff) {
			continue
		}
		survivors = append(survivors, r)
	}
	if len(parts) == 1 && len(survivors) == total {
		return nil // a single partition with nothing to drop is already compact
	}
	sort.Slice(survivors, func(i, j int) bool {
		return survivors[i].Fingerprint.Less(survivors[j].Fingerprint)
	})

	idx.mu.Lock()
	id := idx.manifest.NextID()
	idx.mu.Unlock()

	relPath := filepath.Join(partitionsDir, fmt.Sprintf("part-%06d.col", id))
	absPath := filepath.Join(idx.dir, relPath)
	hash, err := WritePartition(absPath, id, survivors)
	if err != nil {
		return err
	}
	p, err := OpenPartition(absPath)
	if err != nil {
		os.Remove(absPath)
		return err
	}

	idx.mu.Lock()
	retired := make([]PartitionInfo, 0, len(idx.manifest.Partitions))
	for _, info := range idx.manifest.Partitions {
		retired = append(retired, info)
	}
	idx.manifest.Partitions = map[uint64]PartitionInfo{
		id: {
			PartitionID: id,
			Path:        relPath,
			RowCount:    len(survivors),
			ContentHash: hash,
			CreatedAt:   p.CreatedAt(),
		},
	}
	err = idx.manifest.Save(filepath.Join(idx.dir, manifestFile))
	if err != nil {
		// Roll the manifest back in memory; the new file is orphaned
		// but harmless.
		rolled := make(map[uint64]PartitionInfo, len(retired))
		for _, info := range retired {
			rolled[info.PartitionID] = info
		}
		idx.manifest.Partitions = rolled
		idx.mu.Unlock()
		p.Close()
		os.Remove(absPath)
		return err
	}
	oldParts := idx.partitions
	idx.partitions = map[uint64]*Partition{id: p}
	idx.mu.Unlock()

	for _, op := range oldParts {
		op.Close()
	}
	for _, info := range retired {
		os.Remove(filepath.Join(idx.dir, info.Path))
	}
	idx.logger.Info("compacted index",
		zap.Int("partitions_retired", len(retired)),
		zap.Int("rows", len(survivors)))
	return nil
}

// BufferLen returns the number of unflushed rows.
func (idx *Index) BufferLen() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.buffer)
}

// Close flushes the buffer and releases resources.
func (idx *Index) Close() error {
	if err := idx.Flush(); err != nil {
		idx.logger.Warn("flush on close failed", zap.Error(err))
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, p := range idx.partitions {
		p.Close()
	}
	return idx.wal.Close()
}
