package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stratafs/stratafs/pkg/fingerprint"
)

const (
	bodySuffix = ".bin"
	metaSuffix = ".meta"
	tmpSuffix  = ".tmp"
)

// diskMeta is the sidecar record stored next to each body.
type diskMeta struct {
	Size       int64     `json:"size"`
	InsertedAt time.Time `json:"insertion_time"`
	LastAccess time.Time `json:"last_access"`
	Pinned     bool      `json:"pinned,omitempty"`
}

type diskEntry struct {
	fp   fingerprint.Fingerprint
	meta diskMeta
}

// DiskCache is the on-disk tier: a content-addressed file store with a
// byte budget and heat-ordered eviction. Bodies are staged to a temp
// file and atomically renamed, so a crash mid-write never leaves a
// half-file under a canonical name.
type DiskCache struct {
	baseDir      string
	budget       int64
	lowWatermark float64
	heat         *HeatTracker
	logger       *zap.Logger

	mu      sync.Mutex
	entries map[string]*diskEntry
	used    int64
	stats   Stats

	// writeLocks serializes writers per fingerprint; readers of other
	// fingerprints are never blocked.
	writeLocks sync.Map // key -> *sync.Mutex
}

// NewDiskCache opens (or creates) the disk tier under baseDir, sweeps
// leftovers from interrupted writes, and indexes what survives.
func NewDiskCache(baseDir string, budgetBytes int64, lowWatermark float64, heat *HeatTracker, logger *zap.Logger) (*DiskCache, error) {
	if lowWatermark <= 0 || lowWatermark > 1 {
		lowWatermark = 0.9
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create disk cache dir: %w", err)
	}

	d := &DiskCache{
		baseDir:      baseDir,
		budget:       budgetBytes,
		lowWatermark: lowWatermark,
		heat:         heat,
		logger:       logger,
		entries:      make(map[string]*diskEntry),
	}
	if err := d.sweep(); err != nil {
		return nil, err
	}
	return d, nil
}

// sweep removes temp files and bodies without sidecars (interrupted
// writes), then loads the index.
func (d *DiskCache) sweep() error {
	dirEntries, err := os.ReadDir(d.baseDir)
	if err != nil {
		return fmt.Errorf("scan disk cache: %w", err)
	}

	names := make(map[string]bool, len(dirEntries))
	for _, de := range dirEntries {
		names[de.Name()] = true
	}

	for _, de := range dirEntries {
		name := de.Name()
		switch {
		case strings.HasSuffix(name, tmpSuffix):
			os.Remove(filepath.Join(d.baseDir, name))
		case strings.HasSuffix(name, bodySuffix):
			stem := strings.TrimSuffix(name, bodySuffix)
			if !names[stem+metaSuffix] {
				d.logger.Warn("removing partial cache entry", zap.String("file", name))
				os.Remove(filepath.Join(d.baseDir, name))
			}
		case strings.HasSuffix(name, metaSuffix):
			stem := strings.TrimSuffix(name, metaSuffix)
			if !names[stem+bodySuffix] {
				os.Remove(filepath.Join(d.baseDir, name))
			}
		}
	}

	// Index surviving entries.
	dirEntries, err = os.ReadDir(d.baseDir)
	if err != nil {
		return fmt.Errorf("scan disk cache: %w", err)
	}
	for _, de := range dirEntries {
		name := de.Name()
		if !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		stem := strings.TrimSuffix(name, metaSuffix)
		fp, err := fingerprint.Parse(stem)
		if err != nil {
			d.logger.Warn("unparseable cache filename", zap.String("file", name))
			continue
		}
		raw, err := os.ReadFile(filepath.Join(d.baseDir, name))
		if err != nil {
			continue
		}
		var meta diskMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			os.Remove(filepath.Join(d.baseDir, name))
			os.Remove(filepath.Join(d.baseDir, stem+bodySuffix))
			continue
		}
		d.entries[fp.Key()] = &diskEntry{fp: fp, meta: meta}
		d.used += meta.Size
	}
	return nil
}

func (d *DiskCache) bodyPath(fp fingerprint.Fingerprint) string {
	return filepath.Join(d.baseDir, fp.String()+bodySuffix)
}

func (d *DiskCache) metaPath(fp fingerprint.Fingerprint) string {
	return filepath.Join(d.baseDir, fp.String()+metaSuffix)
}

func (d *DiskCache) lockFor(key string) *sync.Mutex {
	v, _ := d.writeLocks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Lookup reads a body from disk and refreshes its access time.
func (d *DiskCache) Lookup(fp fingerprint.Fingerprint) ([]byte, bool) {
	d.mu.Lock()
	e, ok := d.entries[fp.Key()]
	if !ok {
		d.stats.Misses++
		d.mu.Unlock()
		return nil, false
	}
	e.meta.LastAccess = time.Now()
	meta := e.meta
	d.stats.Hits++
	d.mu.Unlock()

	data, err := os.ReadFile(d.bodyPath(fp))
	if err != nil {
		d.logger.Warn("disk cache body unreadable",
			zap.String("fingerprint", fp.String()), zap.Error(err))
		d.Remove(fp)
		return nil, false
	}

	// Best-effort sidecar refresh; losing an access timestamp is fine.
	d.writeMeta(fp, meta)
	return data, true
}

// Contains reports presence without reading the body.
func (d *DiskCache) Contains(fp fingerprint.Fingerprint) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.entries[fp.Key()]
	return ok
}

// Admit writes a body to the disk tier. At most one writer per
// fingerprint runs at a time; concurrent admits of the same content
// are coalesced into one file.
func (d *DiskCache) Admit(fp fingerprint.Fingerprint, data []byte) error {
	key := fp.Key()
	lock := d.lockFor(key)
	lock.Lock()

	d.mu.Lock()
	if _, exists := d.entries[key]; exists {
		d.mu.Unlock()
		lock.Unlock()
		return nil
	}
	d.mu.Unlock()

	meta := diskMeta{
		Size:       int64(len(data)),
		InsertedAt: time.Now(),
		LastAccess: time.Now(),
	}

	// Body first, sidecar second: the sweep treats a body without a
	// sidecar as a partial write.
	if err := atomicWrite(d.bodyPath(fp), data); err != nil {
		lock.Unlock()
		return fmt.Errorf("write cache body: %w", err)
	}
	if err := d.writeMeta(fp, meta); err != nil {
		os.Remove(d.bodyPath(fp))
		lock.Unlock()
		return fmt.Errorf("write cache sidecar: %w", err)
	}

	d.mu.Lock()
	d.entries[key] = &diskEntry{fp: fp, meta: meta}
	d.used += meta.Size
	d.stats.Insertions++
	over := d.budget > 0 && d.used > d.budget
	d.mu.Unlock()

	// Release the per-key lock before evicting: eviction may pick this
	// entry, and Remove takes the same lock.
	lock.Unlock()
	if over {
		d.evict()
	}
	return nil
}

func (d *DiskCache) writeMeta(fp fingerprint.Fingerprint, meta diskMeta) error {
	raw, err := json.Marshal(&meta)
	if err != nil {
		return err
	}
	return atomicWrite(d.metaPath(fp), raw)
}

// atomicWrite stages through a temp file and renames into place.
func atomicWrite(path string, data []byte) error {
	tmp := path + tmpSuffix
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// evict removes entries ascending by heat score until usage is at or
// below budget × low watermark. Pinned entries are exempt. Disk
// evictions leave no ghost records; ghosts are ARC-local.
func (d *DiskCache) evict() {
	target := int64(float64(d.budget) * d.lowWatermark)

	d.mu.Lock()
	candidates := make([]*diskEntry, 0, len(d.entries))
	for _, e := range d.entries {
		if !e.meta.Pinned {
			candidates = append(candidates, e)
		}
	}
	d.mu.Unlock()

	now := time.Now()
	scores := make(map[string]float64, len(candidates))
	for _, e := range candidates {
		if d.heat != nil {
			scores[e.fp.Key()] = d.heat.ScoreOf(e.fp)
		} else {
			// No tracker wired (tests): fall back to recency.
			scores[e.fp.Key()] = -now.Sub(e.meta.LastAccess).Seconds()
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return scores[candidates[i].fp.Key()] < scores[candidates[j].fp.Key()]
	})

	for _, e := range candidates {
		d.mu.Lock()
		done := d.used <= target
		d.mu.Unlock()
		if done {
			break
		}
		if err := d.Remove(e.fp); err == nil {
			d.mu.Lock()
			d.stats.Evictions++
			d.mu.Unlock()
			d.logger.Debug("disk cache evicted",
				zap.String("fingerprint", e.fp.String()),
				zap.Float64("heat", scores[e.fp.Key()]))
		}
	}
}

// Remove deletes an entry's files and index row. Idempotent.
func (d *DiskCache) Remove(fp fingerprint.Fingerprint) error {
	key := fp.Key()
	lock := d.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	d.mu.Lock()
	e, ok := d.entries[key]
	if ok {
		d.used -= e.meta.Size
		delete(d.entries, key)
	}
	d.mu.Unlock()

	if err := os.Remove(d.bodyPath(fp)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(d.metaPath(fp)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SetPinned marks or clears the pin flag; pinned entries survive
// eviction passes.
func (d *DiskCache) SetPinned(fp fingerprint.Fingerprint, pinned bool) error {
	key := fp.Key()
	lock := d.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	d.mu.Lock()
	e, ok := d.entries[key]
	if !ok {
		d.mu.Unlock()
		return os.ErrNotExist
	}
	e.meta.Pinned = pinned
	meta := e.meta
	d.mu.Unlock()

	return d.writeMeta(fp, meta)
}

// Iter calls fn for every resident fingerprint. The snapshot is taken
// up front so fn may call back into the cache.
func (d *DiskCache) Iter(fn func(fp fingerprint.Fingerprint, size int64, lastAccess time.Time) bool) {
	d.mu.Lock()
	snapshot := make([]*diskEntry, 0, len(d.entries))
	for _, e := range d.entries {
		snapshot = append(snapshot, e)
	}
	d.mu.Unlock()

	for _, e := range snapshot {
		if !fn(e.fp, e.meta.Size, e.meta.LastAccess) {
			return
		}
	}
}

// UsedBytes returns current usage.
func (d *DiskCache) UsedBytes() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}

// Len returns the number of resident entries.
func (d *DiskCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Stats returns a copy of the running counters.
func (d *DiskCache) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
