package cache

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stratafs/stratafs/pkg/fingerprint"
)

// heatShards is the number of lock shards; fingerprint digests spread
// evenly so a small power of two suffices.
const heatShards = 32

// HeatRecord is the per-fingerprint access history. Score is a pure
// function of the other fields and is recomputed on every access.
type HeatRecord struct {
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	AccessCount int64                   `json:"access_count"`
	FirstAccess time.Time               `json:"first_access"`
	LastAccess  time.Time               `json:"last_access"`
	TierHits    map[string]int64        `json:"tier_hits"`
	HeatScore   float64                 `json:"heat_score"`
}

// Score computes the heat score at a given instant: frequent and
// recent access both raise it, with a mild age bonus so long-lived
// content outranks one-shot spikes.
func (r *HeatRecord) Score(now time.Time) float64 {
	if r.AccessCount == 0 {
		return 0
	}
	ageDays := now.Sub(r.FirstAccess).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	sinceLastHours := now.Sub(r.LastAccess).Hours()
	if sinceLastHours < 0 {
		sinceLastHours = 0
	}
	recency := 1 / (1 + sinceLastHours)
	return float64(r.AccessCount) * recency * (1 + math.Log(1+ageDays))
}

type heatShard struct {
	mu      sync.Mutex
	records map[string]*HeatRecord
}

// HeatTracker maintains access statistics for every fingerprint ever
// observed, sharded by fingerprint digest to keep hot paths uncontended.
type HeatTracker struct {
	shards [heatShards]*heatShard
	now    func() time.Time
}

// NewHeatTracker creates an empty tracker.
func NewHeatTracker() *HeatTracker {
	t := &HeatTracker{now: time.Now}
	for i := range t.shards {
		t.shards[i] = &heatShard{records: make(map[string]*HeatRecord)}
	}
	return t
}

func (t *HeatTracker) shard(fp fingerprint.Fingerprint) *heatShard {
	return t.shards[fp.Shard(heatShards)]
}

// Touch records one access served by the named tier and returns the
// refreshed heat score.
func (t *HeatTracker) Touch(fp fingerprint.Fingerprint, tier string) float64 {
	now := t.now()
	s := t.shard(fp)

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[fp.Key()]
	if !ok {
		r = &HeatRecord{
			Fingerprint: fp,
			FirstAccess: now,
			TierHits:    make(map[string]int64),
		}
		s.records[fp.Key()] = r
	}
	r.AccessCount++
	r.LastAccess = now
	if tier != "" {
		r.TierHits[tier]++
	}
	r.HeatScore = r.Score(now)
	return r.HeatScore
}

// Get returns a copy of the record, refreshed to now, or false if the
// fingerprint has never been observed.
func (t *HeatTracker) Get(fp fingerprint.Fingerprint) (HeatRecord, bool) {
	s := t.shard(fp)

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[fp.Key()]
	if !ok {
		return HeatRecord{}, false
	}
	out := *r
	out.TierHits = make(map[string]int64, len(r.TierHits))
	for k, v := range r.TierHits {
		out.TierHits[k] = v
	}
	out.HeatScore = r.Score(t.now())
	return out, true
}

// ScoreOf returns the current heat score, 0 for unknown fingerprints.
func (t *HeatTracker) ScoreOf(fp fingerprint.Fingerprint) float64 {
	r, ok := t.Get(fp)
	if !ok {
		return 0
	}
	return r.HeatScore
}

// Forget drops a record. Used when content is removed everywhere.
func (t *HeatTracker) Forget(fp fingerprint.Fingerprint) {
	s := t.shard(fp)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, fp.Key())
}

// Len returns the number of tracked fingerprints.
func (t *HeatTracker) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		n += len(s.records)
		s.mu.Unlock()
	}
	return n
}

// heatSnapshot is the persisted form.
type heatSnapshot struct {
	SavedAt time.Time    `json:"saved_at"`
	Records []HeatRecord `json:"records"`
}

// Snapshot writes a compact snapshot of all records to path, staging
// through a temp file so a crash never leaves a torn snapshot.
func (t *HeatTracker) Snapshot(path string) error {
	snap := heatSnapshot{SavedAt: t.now()}
	for _, s := range t.shards {
		s.mu.Lock()
		for _, r := range s.records {
			cp := *r
			cp.TierHits = make(map[string]int64, len(r.TierHits))
			for k, v := range r.TierHits {
				cp.TierHits[k] = v
			}
			snap.Records = append(snap.Records, cp)
		}
		s.mu.Unlock()
	}

	data, err := json.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("marshal heat snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create heat dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write heat snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("install heat snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot restores records from a snapshot file. A missing file is
// not an error; a corrupt one is ignored after being removed, since the
// tracker can rebuild from live traffic.
func (t *HeatTracker) LoadSnapshot(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read heat snapshot: %w", err)
	}

	var snap heatSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		os.Remove(path)
		return nil
	}
	for i := range snap.Records {
		r := snap.Records[i]
		if !r.Fingerprint.Defined() {
			continue
		}
		if r.TierHits == nil {
			r.TierHits = make(map[string]int64)
		}
		s := t.shard(r.Fingerprint)
		s.mu.Lock()
		s.records[r.Fingerprint.Key()] = &r
		s.mu.Unlock()
	}
	return nil
}
