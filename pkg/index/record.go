// Package index implements the distributed columnar metadata index:
// the authoritative answer to "where does this fingerprint live". Rows
// accumulate in a WAL-backed write buffer and flush into immutable
// column-grouped partition files tracked by an atomically rewritten
// manifest.
package index

import (
	"time"

	"github.com/stratafs/stratafs/pkg/fingerprint"
)

// Location records presence of a fingerprint on one backend tier.
type Location struct {
	Present      bool      `json:"present"`
	Pinned       bool      `json:"pinned,omitempty"`
	LastVerified time.Time `json:"last_verified"`
}

// Record is one columnar row. The fingerprint is the primary key and
// can never change; duplicates across partitions are resolved at read
// time by the greatest UpdatedAt.
type Record struct {
	Fingerprint   fingerprint.Fingerprint `json:"fingerprint"`
	Codec         string                  `json:"codec"`
	HashAlgorithm string                  `json:"hash_algorithm"`

	SizeBytes  int64 `json:"size_bytes"`
	BlockCount int64 `json:"block_count"`

	Locations map[string]Location `json:"locations"`

	AccessCount int64     `json:"access_count"`
	LastAccess  time.Time `json:"last_access"`
	HeatScore   float64   `json:"heat_score"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	MimeType   string            `json:"mime_type,omitempty"`
	Name       string            `json:"name,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`

	DeletedAt time.Time `json:"deleted_at,omitempty"`
}

// Tombstone reports whether this row marks a deletion.
func (r *Record) Tombstone() bool {
	return !r.DeletedAt.IsZero()
}

// Clone returns a deep copy so callers can mutate without racing the
// buffer snapshot.
func (r *Record) Clone() *Record {
	cp := *r
	if r.Locations != nil {
		cp.Locations = make(map[string]Location, len(r.Locations))
		for k, v := range r.Locations {
			cp.Locations[k] = v
		}
	}
	if r.Tags != nil {
		cp.Tags = append([]string(nil), r.Tags...)
	}
	if r.Properties != nil {
		cp.Properties = make(map[string]string, len(r.Properties))
		for k, v := range r.Properties {
			cp.Properties[k] = v
		}
	}
	return &cp
}

// NewTombstone builds the deletion row for a fingerprint.
func NewTombstone(fp fingerprint.Fingerprint, at time.Time) *Record {
	return &Record{
		Fingerprint: fp,
		Locations:   map[string]Location{},
		UpdatedAt:   at,
		DeletedAt:   at,
	}
}

// MarkPresent sets the location entry for a tier.
func (r *Record) MarkPresent(tier string, at time.Time) {
	if r.Locations == nil {
		r.Locations = make(map[string]Location)
	}
	loc := r.Locations[tier]
	loc.Present = true
	loc.LastVerified = at
	r.Locations[tier] = loc
}

// MarkAbsent clears presence on a tier.
func (r *Record) MarkAbsent(tier string, at time.Time) {
	if r.Locations == nil {
		return
	}
	loc := r.Locations[tier]
	loc.Present = false
	loc.Pinned = false
	loc.LastVerified = at
	r.Locations[tier] = loc
}

// MarkPinned sets or clears the pin flag for a tier.
func (r *Record) MarkPinned(tier string, pinned bool, at time.Time) {
	if r.Locations == nil {
		r.Locations = make(map[string]Location)
	}
	loc := r.Locations[tier]
	loc.Pinned = pinned
	if pinned {
		loc.Present = true
	}
	loc.LastVerified = at
	r.Locations[tier] = loc
}

// PresentTiers lists the tiers whose location entry is present.
func (r *Record) PresentTiers() []string {
	var tiers []string
	for name, loc := range r.Locations {
		if loc.Present {
			tiers = append(tiers, name)
		}
	}
	return tiers
}

// PinnedAnywhere reports whether any tier holds a pin.
func (r *Record) PinnedAnywhere() bool {
	for _, loc := range r.Locations {
		if loc.Pinned {
			return true
		}
	}
	return false
}
