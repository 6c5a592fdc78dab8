// Package coordinator exposes the single public surface of the tiered
// content cache and metadata index: Get, Put, Pin, Unpin, Lookup,
// Query. One Coordinator is created per configured node; there is no
// process-global state.
package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/stratafs/stratafs/pkg/bus"
	"github.com/stratafs/stratafs/pkg/cache"
	"github.com/stratafs/stratafs/pkg/fingerprint"
	"github.com/stratafs/stratafs/pkg/index"
	"github.com/stratafs/stratafs/pkg/placement"
	"github.com/stratafs/stratafs/pkg/storage"
	psync "github.com/stratafs/stratafs/pkg/sync"
	"github.com/stratafs/stratafs/pkg/workers"
)

// PinScope selects which tiers a pin binds.
type PinScope string

const (
	ScopeLocal    PinScope = "local"
	ScopeCluster  PinScope = "cluster"
	ScopeArchival PinScope = "archival"
)

// PutOptions carries optional descriptive metadata and durability for
// a write.
type PutOptions struct {
	MimeType   string
	Name       string
	Tags       []string
	Properties map[string]string

	// Durability "archival" additionally schedules an asynchronous
	// write to the first tier at or above the archival threshold.
	Durability string
}

// Coordinator orchestrates the caches, the placement engine, the
// metadata index and the sync handler behind one concurrent-safe
// surface.
type Coordinator struct {
	cfg    Config
	logger *zap.Logger

	registry *storage.TierRegistry
	health   *storage.HealthMonitor
	arc      *cache.ARC
	disk     *cache.DiskCache
	heat     *cache.HeatTracker
	idx      *index.Index
	engine   *placement.Engine
	pool     *workers.Pool
	sync     *psync.Handler

	cacheMetrics *cache.Metrics

	stopSnapshots context.CancelFunc
}

// New builds a Coordinator over an already-populated tier registry and
// a topic bus. The bus may be nil for nodes that never sync (tests,
// single-node deployments); the sync handler is then not started.
func New(cfg Config, registry *storage.TierRegistry, b bus.Bus, reg prometheus.Registerer, logger *zap.Logger) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("node_id", cfg.NodeID), zap.String("role", string(cfg.Role)))

	heat := cache.NewHeatTracker()
	if err := heat.LoadSnapshot(heatSnapshotPath(cfg.BaseDir)); err != nil {
		logger.Warn("heat snapshot load failed", zap.Error(err))
	}

	disk, err := cache.NewDiskCache(
		filepath.Join(cfg.BaseDir, "disk_cache"),
		cfg.Cache.DiskBudgetBytes,
		cfg.Cache.LowWatermark,
		heat, logger)
	if err != nil {
		return nil, err
	}

	idx, err := index.Open(filepath.Join(cfg.BaseDir, "index"), index.Options{
		PartitionRowLimit:   cfg.Index.PartitionRowLimit,
		BufferHighWatermark: cfg.Index.BufferHighWatermark,
		Role:                cfg.Role,
		Logger:              logger,
	})
	if err != nil {
		return nil, err
	}

	arc := cache.NewARC(cfg.Cache.MemoryBudgetBytes)
	health := storage.NewHealthMonitor(cfg.HealthProbeInterval, logger)

	engine := placement.NewEngine(placement.Config{
		MaxProbeFanout:    cfg.Placement.MaxProbeFanout,
		MaxMemoryItemSize: cfg.Cache.MaxMemoryItemSize,
		MaxRetriesPerTier: cfg.Placement.MaxRetriesPerTier,
		DurableMinimum:    cfg.Placement.DurableMinimum,
		ArchivalThreshold: cfg.Placement.ArchivalThreshold,
	}, registry, health, arc, disk, heat, idx, placement.NewMetrics(reg), logger)

	c := &Coordinator{
		cfg:          cfg,
		logger:       logger,
		registry:     registry,
		health:       health,
		arc:          arc,
		disk:         disk,
		heat:         heat,
		idx:          idx,
		engine:       engine,
		pool:         workers.NewPool(cfg.Workers, logger),
		cacheMetrics: cache.NewMetrics(reg),
	}

	if b != nil {
		store, ok := c.contentStore()
		if !ok {
			return nil, fmt.Errorf("sync requires a content-store backend in the registry")
		}
		c.sync = psync.NewHandler(psync.Config{
			ClusterID:           cfg.ClusterID,
			NodeID:              cfg.NodeID,
			Role:                cfg.Role,
			AnnounceInterval:    cfg.Sync.AnnounceInterval,
			FetchTimeout:        cfg.Sync.FetchTimeout,
			AnnounceQueueBudget: cfg.Sync.AnnounceQueueBudget,
		}, b, idx, store, logger)
	}

	return c, nil
}

func heatSnapshotPath(baseDir string) string {
	return filepath.Join(baseDir, "heat", "snapshot.bin")
}

func (c *Coordinator) contentStore() (storage.Backend, bool) {
	stores := c.registry.ByClass(storage.ClassContentStore)
	if len(stores) == 0 {
		return nil, false
	}
	return stores[0], true
}

// Start launches the sync handler and the heat snapshot loop.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.sync != nil {
		if err := c.sync.Start(ctx); err != nil {
			return err
		}
	}

	snapCtx, cancel := context.WithCancel(context.Background())
	c.stopSnapshots = cancel
	go c.snapshotLoop(snapCtx)
	return nil
}

func (c *Coordinator) snapshotLoop(ctx context.Context) {
	interval := c.cfg.Heat.SnapshotInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.heat.Snapshot(heatSnapshotPath(c.cfg.BaseDir)); err != nil {
				c.logger.Warn("heat snapshot failed", zap.Error(err))
			}
			c.cacheMetrics.SetResidentBytes(placement.TierMemory, c.arc.ResidentBytes())
			c.cacheMetrics.SetResidentBytes(placement.TierDisk, c.disk.UsedBytes())
		}
	}
}

// Get returns the full body for a fingerprint. NOT_FOUND only when no
// tier has it; UNAVAILABLE when tiers that report presence refuse to
// serve.
func (c *Coordinator) Get(ctx context.Context, fp fingerprint.Fingerprint) ([]byte, error) {
	if !fp.Defined() {
		return nil, fingerprint.ErrInvalid
	}
	data, tier, err := c.engine.Resolve(ctx, fp, nil)
	if err != nil {
		c.cacheMetrics.ObserveMiss(placement.TierMemory)
		return nil, err
	}
	c.cacheMetrics.ObserveHit(tier)
	return data, nil
}

// GetWithHints is Get with caller-supplied candidate tiers for
// fingerprints the index does not know yet.
func (c *Coordinator) GetWithHints(ctx context.Context, fp fingerprint.Fingerprint, hints []string) ([]byte, error) {
	data, tier, err := c.engine.Resolve(ctx, fp, hints)
	if err != nil {
		return nil, err
	}
	c.cacheMetrics.ObserveHit(tier)
	return data, nil
}

// Put stores a body and returns its fingerprint. The durable-minimum
// tiers are written synchronously; an archival durability request is
// scheduled asynchronously. A Put cancelled after reaching some tier
// does not roll that tier back: the locations written so far are
// recorded and the cancellation returned.
func (c *Coordinator) Put(ctx context.Context, data []byte, opts *PutOptions) (fingerprint.Fingerprint, error) {
	fp, err := fingerprint.FromRaw(data)
	if err != nil {
		return fingerprint.Fingerprint{}, err
	}

	written, err := c.engine.PlaceWrite(ctx, fp, data)
	if err != nil {
		if len(written) > 0 {
			c.engine.RecordLocations(ctx, fp, int64(len(data)), written...)
		}
		return fingerprint.Fingerprint{}, err
	}

	if opts != nil {
		if err := c.applyMetadata(ctx, fp, opts); err != nil {
			c.logger.Warn("metadata upsert failed", zap.Error(err))
		}
		if opts.Durability == "archival" {
			c.scheduleArchival(fp, data)
		}
	}
	return fp, nil
}

func (c *Coordinator) applyMetadata(ctx context.Context, fp fingerprint.Fingerprint, opts *PutOptions) error {
	rec, err := c.idx.Get(fp)
	if err != nil {
		return err
	}
	if opts.MimeType != "" {
		rec.MimeType = opts.MimeType
	}
	if opts.Name != "" {
		rec.Name = opts.Name
	}
	if len(opts.Tags) > 0 {
		rec.Tags = opts.Tags
	}
	if len(opts.Properties) > 0 {
		if rec.Properties == nil {
			rec.Properties = make(map[string]string, len(opts.Properties))
		}
		for k, v := range opts.Properties {
			rec.Properties[k] = v
		}
	}
	return c.idx.Upsert(ctx, rec)
}

func (c *Coordinator) scheduleArchival(fp fingerprint.Fingerprint, data []byte) {
	target, ok := c.engine.ArchivalTarget()
	if !ok {
		c.logger.Warn("archival durability requested but no archival tier registered",
			zap.String("fingerprint", fp.String()))
		return
	}
	err := c.pool.Submit(context.Background(), "archival-write", func(ctx context.Context) {
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		if err := c.engine.WriteTier(writeCtx, target, fp, data); err != nil {
			c.logger.Warn("archival write failed",
				zap.String("fingerprint", fp.String()),
				zap.String("tier", target.Descriptor().Name),
				zap.Error(err))
		}
	})
	if err != nil {
		c.logger.Warn("archival write not scheduled", zap.Error(err))
	}
}

// Pin keeps content beyond ordinary eviction on the tiers implied by
// scope. Idempotent.
func (c *Coordinator) Pin(ctx context.Context, fp fingerprint.Fingerprint, scope PinScope) error {
	// The content must be resolvable before it can be pinned anywhere.
	data, _, err := c.engine.Resolve(ctx, fp, nil)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	switch scope {
	case ScopeLocal:
		if err := c.disk.Admit(fp, data); err != nil {
			return err
		}
		if err := c.disk.SetPinned(fp, true); err != nil {
			return err
		}
		return c.markPinned(ctx, fp, placement.TierDisk, true, now)

	case ScopeCluster:
		return c.pinBackends(ctx, fp, now, storage.ClassContentStore, storage.ClassCluster)

	case ScopeArchival:
		target, ok := c.engine.ArchivalTarget()
		if !ok {
			return storage.ErrUnsupported("", "archival pin: no archival tier registered")
		}
		name := target.Descriptor().Name
		has, err := target.Has(ctx, fp)
		if err != nil {
			return err
		}
		if !has {
			if err := c.engine.WriteTier(ctx, target, fp, data); err != nil {
				return err
			}
		}
		if pinner, ok := target.(storage.Pinner); ok {
			if err := pinner.Pin(ctx, fp); err != nil {
				return err
			}
		}
		return c.markPinned(ctx, fp, name, true, now)

	default:
		return fmt.Errorf("unknown pin scope %q", scope)
	}
}

func (c *Coordinator) pinBackends(ctx context.Context, fp fingerprint.Fingerprint, now time.Time, classes ...storage.TierClass) error {
	pinnedAny := false
	for _, class := range classes {
		for _, b := range c.registry.ByClass(class) {
			pinner, ok := b.(storage.Pinner)
			if !ok || !b.Descriptor().HasCapability(storage.CapabilityPinning) {
				continue
			}
			if err := pinner.Pin(ctx, fp); err != nil {
				return err
			}
			if err := c.markPinned(ctx, fp, b.Descriptor().Name, true, now); err != nil {
				return err
			}
			pinnedAny = true
		}
	}
	if !pinnedAny {
		return storage.ErrUnsupported("", "pin: no pinning backend registered for scope")
	}
	return nil
}

// Unpin reverses Pin for a scope. Idempotent.
func (c *Coordinator) Unpin(ctx context.Context, fp fingerprint.Fingerprint, scope PinScope) error {
	now := time.Now().UTC()
	switch scope {
	case ScopeLocal:
		if err := c.disk.SetPinned(fp, false); err == nil {
			return c.markPinned(ctx, fp, placement.TierDisk, false, now)
		}
		// Not on disk: already unpinned.
		return nil

	case ScopeCluster:
		for _, class := range []storage.TierClass{storage.ClassContentStore, storage.ClassCluster} {
			for _, b := range c.registry.ByClass(class) {
				if pinner, ok := b.(storage.Pinner); ok {
					if err := pinner.Unpin(ctx, fp); err != nil {
						return err
					}
					if err := c.markPinned(ctx, fp, b.Descriptor().Name, false, now); err != nil {
						return err
					}
				}
			}
		}
		return nil

	case ScopeArchival:
		target, ok := c.engine.ArchivalTarget()
		if !ok {
			return nil
		}
		if pinner, ok := target.(storage.Pinner); ok {
			if err := pinner.Unpin(ctx, fp); err != nil {
				return err
			}
		}
		return c.markPinned(ctx, fp, target.Descriptor().Name, false, now)

	default:
		return fmt.Errorf("unknown pin scope %q", scope)
	}
}

func (c *Coordinator) markPinned(ctx context.Context, fp fingerprint.Fingerprint, tier string, pinned bool, now time.Time) error {
	rec, err := c.idx.Get(fp)
	if storage.IsNotFound(err) {
		rec = &index.Record{
			Fingerprint:   fp,
			Codec:         fp.CodecName(),
			HashAlgorithm: fp.HashAlgorithm(),
		}
	} else if err != nil {
		return err
	}
	rec.MarkPinned(tier, pinned, now)
	return c.idx.Upsert(ctx, rec)
}

// Lookup is a point query against the index; it never fetches bodies.
func (c *Coordinator) Lookup(ctx context.Context, fp fingerprint.Fingerprint) (*index.Record, error) {
	return c.idx.Get(fp)
}

// Query runs a predicate scan over the index.
func (c *Coordinator) Query(ctx context.Context, preds []index.Predicate, columns []string, limit int) ([]*index.Record, error) {
	return c.idx.Query(preds, columns, limit)
}

// Remove deletes local copies and tombstones the index row. Removing a
// pinned fingerprint fails loudly with UNSUPPORTED; unpin first.
func (c *Coordinator) Remove(ctx context.Context, fp fingerprint.Fingerprint) error {
	if rec, err := c.idx.Get(fp); err == nil && rec.PinnedAnywhere() {
		return storage.ErrUnsupported("", "remove of a pinned fingerprint")
	}

	c.arc.Remove(fp)
	if err := c.disk.Remove(fp); err != nil {
		return err
	}
	for _, b := range c.registry.WithCapability(storage.CapabilityRemoval) {
		if err := b.Remove(ctx, fp); err != nil && !storage.IsNotFound(err) {
			c.logger.Warn("tier remove failed",
				zap.String("tier", b.Descriptor().Name), zap.Error(err))
		}
	}
	c.heat.Forget(fp)
	return c.idx.Delete(ctx, fp)
}

// FlushIndex forces the write buffer to a partition, for tests and
// orderly shutdown.
func (c *Coordinator) FlushIndex() error {
	return c.idx.Flush()
}

// CompactIndex folds partitions and garbage-collects expired
// tombstones.
func (c *Coordinator) CompactIndex() error {
	return c.idx.Compact(c.cfg.TombstoneGCWindow)
}

// Announce triggers an immediate manifest announcement (coordinator
// role); useful after a large ingest.
func (c *Coordinator) Announce(ctx context.Context) {
	if c.sync != nil {
		c.sync.Announce(ctx)
	}
}

// Close shuts the node down: sync stops, the async pool drains, the
// heat snapshot and index buffer are persisted.
func (c *Coordinator) Close() error {
	if c.stopSnapshots != nil {
		c.stopSnapshots()
	}
	if c.sync != nil {
		c.sync.Stop()
	}
	c.pool.Close()

	if err := c.heat.Snapshot(heatSnapshotPath(c.cfg.BaseDir)); err != nil {
		c.logger.Warn("final heat snapshot failed", zap.Error(err))
	}
	return c.idx.Close()
}
