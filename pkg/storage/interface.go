package storage

import (
	"context"
	"io"
	"time"

	"github.com/stratafs/stratafs/pkg/fingerprint"
)

// Backend defines the contract every storage tier adapter implements.
// Adapters are registered at startup with a TierDescriptor; the
// placement engine treats all adapters uniformly.
type Backend interface {
	// Put stores bytes addressable by the fingerprint.
	Put(ctx context.Context, fp fingerprint.Fingerprint, data []byte) error

	// Get returns the full body, or a NOT_FOUND error.
	Get(ctx context.Context, fp fingerprint.Fingerprint) ([]byte, error)

	// Has is a cheap existence check. False negatives are permitted
	// (and must converge on retry); false positives are not.
	Has(ctx context.Context, fp fingerprint.Fingerprint) (bool, error)

	// Remove deletes the tier-local copy. Idempotent: removing an
	// absent fingerprint succeeds.
	Remove(ctx context.Context, fp fingerprint.Fingerprint) error

	// Stat reports usage and quota for capacity enforcement.
	Stat(ctx context.Context) (*StatResult, error)

	// Health is a non-blocking probe of the tier.
	Health(ctx context.Context) HealthState

	// Descriptor returns the static tier description.
	Descriptor() TierDescriptor
}

// Pinner is implemented by backends that can hold content beyond
// ordinary eviction. Discovered via capability check at init, never by
// catching missing-method errors.
type Pinner interface {
	Pin(ctx context.Context, fp fingerprint.Fingerprint) error
	Unpin(ctx context.Context, fp fingerprint.Fingerprint) error
}

// Streamer is implemented by backends that can serve large bodies
// without buffering them whole.
type Streamer interface {
	GetStream(ctx context.Context, fp fingerprint.Fingerprint) (io.ReadCloser, error)
}

// TierClass partitions backends along the latency/durability hierarchy.
type TierClass string

const (
	ClassMemory        TierClass = "memory"
	ClassDisk          TierClass = "disk"
	ClassContentStore  TierClass = "content-store"
	ClassCluster       TierClass = "cluster"
	ClassObjectStore   TierClass = "object-store"
	ClassArchival      TierClass = "archival"
	ClassRetrievalOnly TierClass = "retrieval-only"
)

// Capability constants advertised by adapters.
const (
	CapabilityPinning   = "pinning"
	CapabilityStreaming = "streaming"
	CapabilityRemoval   = "removal"
	CapabilityQuota     = "quota"
)

// TierDescriptor is the static description a backend carries: where it
// sits in the hierarchy and what it can do.
type TierDescriptor struct {
	Name           string    `json:"name"`
	Class          TierClass `json:"class"`
	LatencyRank    int       `json:"latency_rank"`    // smaller = faster
	DurabilityRank int       `json:"durability_rank"` // larger = more durable
	MonetaryRank   int       `json:"monetary_rank"`   // larger = more expensive
	Writable       bool      `json:"writable"`
	Capabilities   []string  `json:"capabilities"`
}

// HasCapability reports whether the descriptor lists a capability.
func (d TierDescriptor) HasCapability(cap string) bool {
	for _, c := range d.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// HealthState is the result of a health probe.
type HealthState string

const (
	HealthOK       HealthState = "ok"
	HealthDegraded HealthState = "degraded"
	HealthDown     HealthState = "down"
)

// StatResult reports tier usage for quota enforcement.
type StatResult struct {
	UsedBytes  int64       `json:"used_bytes"`
	QuotaBytes int64       `json:"quota_bytes,omitempty"` // 0 = unbounded
	Health     HealthState `json:"health"`
	CheckedAt  time.Time   `json:"checked_at"`
}
