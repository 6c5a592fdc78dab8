package coordinator

import (
	"fmt"
	"time"

	"github.com/stratafs/stratafs/pkg/index"
	"github.com/stratafs/stratafs/pkg/storage"
)

// CacheConfig holds the resident-tier budgets.
type CacheConfig struct {
	MemoryBudgetBytes int64   `json:"memory_budget_bytes"`
	DiskBudgetBytes   int64   `json:"disk_budget_bytes"`
	MaxMemoryItemSize int64   `json:"max_memory_item_size"`
	LowWatermark      float64 `json:"low_watermark"`
}

// IndexConfig holds the metadata-index knobs.
type IndexConfig struct {
	PartitionRowLimit   int `json:"partition_row_limit"`
	BufferHighWatermark int `json:"buffer_high_watermark"`
}

// SyncConfig holds the partition-sync knobs.
type SyncConfig struct {
	AnnounceInterval    time.Duration `json:"announce_interval"`
	FetchTimeout        time.Duration `json:"fetch_timeout"`
	AnnounceQueueBudget int           `json:"announce_queue_budget"`
}

// PlacementConfig holds the placement knobs.
type PlacementConfig struct {
	MaxProbeFanout    int                 `json:"max_probe_fanout"`
	MaxRetriesPerTier uint64              `json:"max_retries_per_tier"`
	DurableMinimum    []storage.TierClass `json:"durable_minimum"`
	ArchivalThreshold int                 `json:"archival_threshold"`
}

// HeatConfig holds heat-tracker persistence settings.
type HeatConfig struct {
	SnapshotInterval time.Duration `json:"snapshot_interval"`
}

// Config is the full node configuration. A host program fills in
// overrides; everything has a default.
type Config struct {
	// BaseDir roots all persisted state (disk cache, index, heat).
	BaseDir string `json:"base_dir"`

	// ClusterID namespaces the sync topics.
	ClusterID string `json:"cluster_id"`

	// NodeID identifies this node in announcements; generated when
	// empty.
	NodeID string `json:"node_id"`

	// Role selects index and sync participation.
	Role index.Role `json:"role"`

	Cache     CacheConfig     `json:"cache"`
	Index     IndexConfig     `json:"index"`
	Sync      SyncConfig      `json:"sync"`
	Placement PlacementConfig `json:"placement"`
	Heat      HeatConfig      `json:"heat"`

	// TombstoneGCWindow is how long deleted rows stay discoverable so
	// peers learn of deletions before compaction drops them.
	TombstoneGCWindow time.Duration `json:"tombstone_gc_window"`

	// HealthProbeInterval gates re-probing of Faulted tiers.
	HealthProbeInterval time.Duration `json:"health_probe_interval"`

	// Workers bounds the async write pool.
	Workers int `json:"workers"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ClusterID: "stratafs",
		Role:      index.RoleEdge,
		Cache: CacheConfig{
			MemoryBudgetBytes: 128 << 20,
			DiskBudgetBytes:   4 << 30,
			MaxMemoryItemSize: 16 << 20,
			LowWatermark:      0.9,
		},
		Index: IndexConfig{
			PartitionRowLimit:   1_000_000,
			BufferHighWatermark: 2_000_000,
		},
		Sync: SyncConfig{
			AnnounceInterval:    5 * time.Minute,
			FetchTimeout:        30 * time.Second,
			AnnounceQueueBudget: 128,
		},
		Placement: PlacementConfig{
			MaxProbeFanout:    3,
			MaxRetriesPerTier: 1,
			DurableMinimum:    []storage.TierClass{storage.ClassDisk, storage.ClassContentStore},
			ArchivalThreshold: 80,
		},
		Heat: HeatConfig{
			SnapshotInterval: 60 * time.Second,
		},
		TombstoneGCWindow:   7 * 24 * time.Hour,
		HealthProbeInterval: 30 * time.Second,
		Workers:             4,
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("base_dir is required")
	}
	if c.Cache.MemoryBudgetBytes <= 0 {
		return fmt.Errorf("cache.memory_budget_bytes must be positive")
	}
	if c.Cache.DiskBudgetBytes <= 0 {
		return fmt.Errorf("cache.disk_budget_bytes must be positive")
	}
	if c.Cache.LowWatermark <= 0 || c.Cache.LowWatermark > 1 {
		return fmt.Errorf("cache.low_watermark must be in (0, 1]")
	}
	if c.Index.PartitionRowLimit <= 0 {
		return fmt.Errorf("index.partition_row_limit must be positive")
	}
	if c.Index.BufferHighWatermark < c.Index.PartitionRowLimit {
		return fmt.Errorf("index.buffer_high_watermark must be at least the partition row limit")
	}
	switch c.Role {
	case index.RoleCoordinator, index.RoleWorker, index.RoleEdge:
	default:
		return fmt.Errorf("unknown role %q", c.Role)
	}
	return nil
}
