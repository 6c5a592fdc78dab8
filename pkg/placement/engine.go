// Package placement decides which tier serves a read, which tiers
// receive a write, and how failures move a request down the hierarchy.
package placement

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/stratafs/stratafs/pkg/cache"
	"github.com/stratafs/stratafs/pkg/fingerprint"
	"github.com/stratafs/stratafs/pkg/index"
	"github.com/stratafs/stratafs/pkg/storage"
)

// Tier names for the node-local cache tiers. These appear in heat
// records and index location sets alongside backend names.
const (
	TierMemory = "memory"
	TierDisk   = "disk"
)

// Config holds the placement knobs.
type Config struct {
	// MaxProbeFanout bounds concurrent Has probes on a cold lookup.
	MaxProbeFanout int
	// MaxMemoryItemSize gates admission to the memory tier.
	MaxMemoryItemSize int64
	// MaxRetriesPerTier bounds transient-error retries before falling
	// back to the next tier.
	MaxRetriesPerTier uint64
	// DurableMinimum names the tier classes a write must reach
	// synchronously.
	DurableMinimum []storage.TierClass
	// ArchivalThreshold is the durability rank that satisfies an
	// archival write request.
	ArchivalThreshold int
}

func (c *Config) applyDefaults() {
	if c.MaxProbeFanout <= 0 {
		c.MaxProbeFanout = 3
	}
	if c.MaxMemoryItemSize <= 0 {
		c.MaxMemoryItemSize = 16 << 20
	}
	if c.MaxRetriesPerTier == 0 {
		c.MaxRetriesPerTier = 1
	}
	if len(c.DurableMinimum) == 0 {
		c.DurableMinimum = []storage.TierClass{storage.ClassDisk, storage.ClassContentStore}
	}
	if c.ArchivalThreshold <= 0 {
		c.ArchivalThreshold = 80
	}
}

// Metrics are the placement-level Prometheus collectors.
type Metrics struct {
	FetchSeconds *prometheus.HistogramVec
	Fallbacks    prometheus.Counter
}

// NewMetrics registers placement collectors; nil registerer skips
// registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FetchSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stratafs",
			Subsystem: "placement",
			Name:      "fetch_seconds",
			Help:      "Remote fetch latency per tier.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tier"}),
		Fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stratafs",
			Subsystem: "placement",
			Name:      "fallbacks_total",
			Help:      "Reads that fell back past their first remote tier.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.FetchSeconds, m.Fallbacks)
	}
	return m
}

// Engine resolves reads against the tier hierarchy and fans writes out
// to the durable minimum set.
type Engine struct {
	cfg      Config
	registry *storage.TierRegistry
	health   *storage.HealthMonitor
	arc      *cache.ARC
	disk     *cache.DiskCache
	heat     *cache.HeatTracker
	idx      *index.Index
	logger   *zap.Logger
	metrics  *Metrics

	// flight collapses concurrent remote fetches of one fingerprint.
	flight singleflight.Group
}

// NewEngine wires the placement engine.
func NewEngine(cfg Config, registry *storage.TierRegistry, health *storage.HealthMonitor,
	arc *cache.ARC, disk *cache.DiskCache, heat *cache.HeatTracker, idx *index.Index,
	metrics *Metrics, logger *zap.Logger) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		registry: registry,
		health:   health,
		arc:      arc,
		disk:     disk,
		heat:     heat,
		idx:      idx,
		logger:   logger,
		metrics:  metrics,
	}
}

// resolveResult carries a fetch result through singleflight.
type resolveResult struct {
	data []byte
	tier string
}

// Resolve returns the body for a fingerprint, consulting memory, then
// disk, then remote tiers chosen via the index location set (or, cold,
// via bounded Has probes). Fetched bodies are promoted on the way out.
func (e *Engine) Resolve(ctx context.Context, fp fingerprint.Fingerprint, hints []string) ([]byte, string, error) {
	if data, ok := e.arc.Lookup(fp); ok {
		e.heat.Touch(fp, TierMemory)
		return data, TierMemory, nil
	}
	if data, ok := e.disk.Lookup(fp); ok {
		e.heat.Touch(fp, TierDisk)
		if int64(len(data)) <= e.cfg.MaxMemoryItemSize {
			e.arc.Admit(fp, data)
		}
		return data, TierDisk, nil
	}

	v, err, _ := e.flight.Do(fp.Key(), func() (interface{}, error) {
		data, tier, err := e.fetchRemote(ctx, fp, hints)
		if err != nil {
			return nil, err
		}
		return resolveResult{data: data, tier: tier}, nil
	})
	if err != nil {
		return nil, "", err
	}
	res := v.(resolveResult)
	return res.data, res.tier, nil
}

// fetchRemote walks the remote candidates in latency order, fetching
// from the first healthy tier that has the content and falling back on
// failure.
func (e *Engine) fetchRemote(ctx context.Context, fp fingerprint.Fingerprint, hints []string) ([]byte, string, error) {
	candidates, err := e.candidates(ctx, fp, hints)
	if err != nil {
		return nil, "", err
	}
	if len(candidates) == 0 {
		return nil, "", storage.ErrNotFound("")
	}

	agg := storage.NewErrorAggregator("get")
	for i, backend := range candidates {
		name := backend.Descriptor().Name
		if !e.health.Probe(ctx, backend) {
			continue
		}
		if i > 0 && e.metrics != nil {
			e.metrics.Fallbacks.Inc()
		}

		data, ferr := e.fetchWithRetry(ctx, backend, fp)
		if ferr == nil {
			e.health.ObserveSuccess(name)
			e.promote(ctx, fp, data, name)
			return data, name, nil
		}

		switch storage.CodeOf(ferr) {
		case storage.ErrCodeCancelled, storage.ErrCodeDeadline:
			// Cancellation unwinds immediately; no fallback.
			return nil, "", ferr
		case storage.ErrCodeCorruption:
			e.quarantine(ctx, backend, fp)
			agg.Add(ferr)
		case storage.ErrCodeNotFound:
			agg.Add(ferr)
		default:
			e.health.ObserveFailure(name)
			agg.Add(ferr)
		}
	}
	return nil, "", agg.Resolve()
}

// candidates picks the remote tiers to try, ascending by latency rank.
// The index location set drives the choice; with no record the caller's
// hints are used, and with neither every tier is probed concurrently,
// bounded by the probe fanout.
func (e *Engine) candidates(ctx context.Context, fp fingerprint.Fingerprint, hints []string) ([]storage.Backend, error) {
	rec, err := e.idx.Get(fp)
	if err == nil {
		var out []storage.Backend
		for _, b := range e.registry.ByLatency() {
			name := b.Descriptor().Name
			if loc, ok := rec.Locations[name]; ok && loc.Present {
				out = append(out, b)
			}
		}
		if len(out) > 0 {
			return out, nil
		}
	} else if !storage.IsNotFound(err) {
		return nil, err
	}

	if len(hints) > 0 {
		var out []storage.Backend
		for _, b := range e.registry.ByLatency() {
			name := b.Descriptor().Name
			for _, h := range hints {
				if h == name {
					out = append(out, b)
					break
				}
			}
		}
		return out, nil
	}

	return e.probeAll(ctx, fp)
}

// probeAll asks every registered tier whether it has the fingerprint,
// concurrently, at most MaxProbeFanout probes in flight, preserving
// latency order in the result.
func (e *Engine) probeAll(ctx context.Context, fp fingerprint.Fingerprint) ([]storage.Backend, error) {
	backends := e.registry.ByLatency()
	present := make([]bool, len(backends))
	sem := semaphore.NewWeighted(int64(e.cfg.MaxProbeFanout))

	done := make(chan int, len(backends))
	launched := 0
	for i, b := range backends {
		if !e.health.Available(b.Descriptor().Name) {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		launched++
		go func(i int, b storage.Backend) {
			defer sem.Release(1)
			has, err := b.Has(ctx, fp)
			if err != nil {
				e.health.ObserveFailure(b.Descriptor().Name)
			} else {
				e.health.ObserveSuccess(b.Descriptor().Name)
				present[i] = has
			}
			done <- i
		}(i, b)
	}

	for n := 0; n < launched; n++ {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var out []storage.Backend
	for i, b := range backends {
		if present[i] {
			out = append(out, b)
		}
	}
	return out, nil
}

// fetchWithRetry gets a body from one tier, retrying transient errors
// up to the configured bound.
func (e *Engine) fetchWithRetry(ctx context.Context, backend storage.Backend, fp fingerprint.Fingerprint) ([]byte, error) {
	name := backend.Descriptor().Name
	var data []byte

	op := func() error {
		start := time.Now()
		body, err := backend.Get(ctx, fp)
		if e.metrics != nil {
			e.metrics.FetchSeconds.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}
		if err != nil {
			if storage.IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		data = body
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), e.cfg.MaxRetriesPerTier), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return data, nil
}

// promote installs a fetched body in the local tiers, credits the
// source tier's heat, and refreshes the index location set.
func (e *Engine) promote(ctx context.Context, fp fingerprint.Fingerprint, data []byte, sourceTier string) {
	if err := e.disk.Admit(fp, data); err != nil {
		e.logger.Warn("disk promotion failed",
			zap.String("fingerprint", fp.String()), zap.Error(err))
	}
	if int64(len(data)) <= e.cfg.MaxMemoryItemSize {
		e.arc.Admit(fp, data)
	}
	e.heat.Touch(fp, sourceTier)
	e.RecordLocations(ctx, fp, int64(len(data)), sourceTier, TierDisk)
}

// quarantine handles a corrupt body on a tier: delete the copy where
// possible, and drop the tier from the location set so the next read
// skips it.
func (e *Engine) quarantine(ctx context.Context, backend storage.Backend, fp fingerprint.Fingerprint) {
	name := backend.Descriptor().Name
	e.logger.Warn("corrupt body quarantined",
		zap.String("tier", name), zap.String("fingerprint", fp.String()))

	if backend.Descriptor().HasCapability(storage.CapabilityRemoval) {
		if err := backend.Remove(ctx, fp); err != nil {
			e.logger.Warn("removing corrupt body failed",
				zap.String("tier", name), zap.Error(err))
		}
	}

	rec, err := e.idx.Get(fp)
	if err != nil {
		return
	}
	rec.MarkAbsent(name, time.Now().UTC())
	if err := e.idx.Upsert(ctx, rec); err != nil {
		e.logger.Warn("index update after quarantine failed", zap.Error(err))
	}
}

// RecordLocations upserts presence for the given tiers plus a fresh
// heat snapshot.
func (e *Engine) RecordLocations(ctx context.Context, fp fingerprint.Fingerprint, size int64, tiers ...string) {
	rec, err := e.idx.Get(fp)
	if storage.IsNotFound(err) {
		rec = &index.Record{
			Fingerprint:   fp,
			Codec:         fp.CodecName(),
			HashAlgorithm: fp.HashAlgorithm(),
			SizeBytes:     size,
			BlockCount:    1,
		}
	} else if err != nil {
		e.logger.Warn("index read failed", zap.Error(err))
		return
	}
	now := time.Now().UTC()
	for _, t := range tiers {
		rec.MarkPresent(t, now)
	}
	if hr, ok := e.heat.Get(fp); ok {
		rec.AccessCount = hr.AccessCount
		rec.LastAccess = hr.LastAccess
		rec.HeatScore = hr.HeatScore
	}
	if err := e.idx.Upsert(ctx, rec); err != nil {
		e.logger.Warn("index update failed", zap.Error(err))
	}
}

// PlaceWrite lands a body on the durable-minimum tiers synchronously.
// The local disk tier is written directly; backend classes in the
// durable minimum are written in latency order, short-circuiting on
// the first failure. Returns the tier names written.
func (e *Engine) PlaceWrite(ctx context.Context, fp fingerprint.Fingerprint, data []byte) ([]string, error) {
	var written []string

	for _, class := range e.cfg.DurableMinimum {
		if class == storage.ClassDisk {
			if err := e.disk.Admit(fp, data); err != nil {
				return written, storage.NewError(storage.ErrCodeCapacity, TierDisk, "disk write failed", err)
			}
			written = append(written, TierDisk)
			continue
		}

		backends := e.registry.ByClass(class)
		if len(backends) == 0 {
			return written, storage.NewError(storage.ErrCodeUnavailable, string(class),
				fmt.Sprintf("no backend registered for durable class %s", class), nil)
		}
		sort.SliceStable(backends, func(i, j int) bool {
			return backends[i].Descriptor().LatencyRank < backends[j].Descriptor().LatencyRank
		})

		placed := false
		var lastErr error
		for _, b := range backends {
			name := b.Descriptor().Name
			if !b.Descriptor().Writable || !e.health.Probe(ctx, b) {
				continue
			}
			if err := b.Put(ctx, fp, data); err != nil {
				e.health.ObserveFailure(name)
				lastErr = err
				continue
			}
			e.health.ObserveSuccess(name)
			written = append(written, name)
			placed = true
			break
		}
		if !placed {
			if lastErr == nil {
				lastErr = storage.NewError(storage.ErrCodeUnavailable, string(class), "no healthy backend", nil)
			}
			return written, lastErr
		}
	}

	if int64(len(data)) <= e.cfg.MaxMemoryItemSize {
		e.arc.Admit(fp, data)
	}
	e.RecordLocations(ctx, fp, int64(len(data)), written...)
	return written, nil
}

// ArchivalTarget returns the tier that satisfies an archival
// durability request, if one is registered.
func (e *Engine) ArchivalTarget() (storage.Backend, bool) {
	return e.registry.FirstByDurability(e.cfg.ArchivalThreshold)
}

// WriteTier performs an asynchronous-path write to one backend and
// records the location. Used by the worker pool for archival fan-out.
func (e *Engine) WriteTier(ctx context.Context, backend storage.Backend, fp fingerprint.Fingerprint, data []byte) error {
	name := backend.Descriptor().Name
	if err := backend.Put(ctx, fp, data); err != nil {
		e.health.ObserveFailure(name)
		return err
	}
	e.health.ObserveSuccess(name)
	e.RecordLocations(ctx, fp, int64(len(data)), name)
	return nil
}
