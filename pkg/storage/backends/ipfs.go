package backends

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"go.uber.org/zap"

	"github.com/stratafs/stratafs/pkg/fingerprint"
	"github.com/stratafs/stratafs/pkg/storage"
)

// IPFSConfig configures the content-store adapter.
type IPFSConfig struct {
	// Endpoint is the daemon API address, host:port.
	Endpoint string `json:"endpoint"`

	// RequestTimeout bounds individual shell calls.
	RequestTimeout time.Duration `json:"request_timeout"`

	// Descriptor overrides; zero values get content-store defaults.
	LatencyRank    int `json:"latency_rank"`
	DurabilityRank int `json:"durability_rank"`
}

// IPFSBackend adapts the content-addressed daemon to the Backend
// contract. The daemon is the authority on fingerprints: Add returns
// the identifier the rest of the system keys on.
type IPFSBackend struct {
	config     IPFSConfig
	shell      *shell.Shell
	desc       storage.TierDescriptor
	classifier *storage.ErrorClassifier
	logger     *zap.Logger

	healthMu   sync.RWMutex
	lastHealth storage.HealthState
	lastCheck  time.Time
}

// healthCacheWindow bounds how often Health hits the daemon.
const healthCacheWindow = 5 * time.Second

// NewIPFSBackend creates the content-store adapter and verifies the
// daemon is reachable.
func NewIPFSBackend(cfg IPFSConfig, logger *zap.Logger) (*IPFSBackend, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "127.0.0.1:5001"
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.LatencyRank == 0 {
		cfg.LatencyRank = 30
	}
	if cfg.DurabilityRank == 0 {
		cfg.DurabilityRank = 30
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sh := shell.NewShell(cfg.Endpoint)
	sh.SetTimeout(cfg.RequestTimeout)

	b := &IPFSBackend{
		config:     cfg,
		shell:      sh,
		classifier: storage.NewErrorClassifier("content-store"),
		logger:     logger,
		desc: storage.TierDescriptor{
			Name:           "content-store",
			Class:          storage.ClassContentStore,
			LatencyRank:    cfg.LatencyRank,
			DurabilityRank: cfg.DurabilityRank,
			Writable:       true,
			Capabilities: []string{
				storage.CapabilityPinning,
				storage.CapabilityStreaming,
				storage.CapabilityRemoval,
				storage.CapabilityQuota,
			},
		},
		lastHealth: storage.HealthDown,
	}

	if _, err := sh.ID(); err != nil {
		return nil, b.classifier.Classify(err, "connect")
	}
	b.setHealth(storage.HealthOK)
	return b, nil
}

func (b *IPFSBackend) setHealth(h storage.HealthState) {
	b.healthMu.Lock()
	b.lastHealth = h
	b.lastCheck = time.Now()
	b.healthMu.Unlock()
}

// AddBytes stores a body and returns the fingerprint the daemon
// assigned. This is the authoritative fingerprint computation on the
// write path; raw leaves and CIDv1 keep it equal to
// fingerprint.FromRaw over the same bytes.
func (b *IPFSBackend) AddBytes(ctx context.Context, data []byte) (fingerprint.Fingerprint, error) {
	cidStr, err := b.shell.Add(bytes.NewReader(data),
		shell.Pin(false),
		shell.RawLeaves(true),
		shell.CidVersion(1))
	if err != nil {
		return fingerprint.Fingerprint{}, b.classifier.Classify(err, "add")
	}
	fp, err := fingerprint.Parse(cidStr)
	if err != nil {
		return fingerprint.Fingerprint{}, storage.NewError(storage.ErrCodeCorruption,
			b.desc.Name, fmt.Sprintf("daemon returned unparseable identifier %q", cidStr), err)
	}
	return fp, nil
}

// Put stores bytes and verifies the daemon agrees on the fingerprint.
func (b *IPFSBackend) Put(ctx context.Context, fp fingerprint.Fingerprint, data []byte) error {
	stored, err := b.AddBytes(ctx, data)
	if err != nil {
		return err
	}
	if !stored.Equal(fp) {
		return storage.NewError(storage.ErrCodeCorruption, b.desc.Name,
			fmt.Sprintf("fingerprint mismatch: expected %s, daemon stored %s", fp, stored), nil)
	}
	return nil
}

// Get retrieves the full body by fingerprint.
func (b *IPFSBackend) Get(ctx context.Context, fp fingerprint.Fingerprint) ([]byte, error) {
	rc, err := b.shell.Cat(fp.String())
	if err != nil {
		return nil, b.classifier.Classify(err, "cat")
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, b.classifier.Classify(err, "cat")
	}
	return data, nil
}

// GetStream retrieves the body as a stream.
func (b *IPFSBackend) GetStream(ctx context.Context, fp fingerprint.Fingerprint) (io.ReadCloser, error) {
	rc, err := b.shell.Cat(fp.String())
	if err != nil {
		return nil, b.classifier.Classify(err, "cat")
	}
	return rc, nil
}

// Has checks block presence via a local-only stat.
func (b *IPFSBackend) Has(ctx context.Context, fp fingerprint.Fingerprint) (bool, error) {
	_, _, err := b.shell.BlockStat(fp.String())
	if err != nil {
		se := b.classifier.Classify(err, "block/stat")
		if se.Code == storage.ErrCodeNotFound {
			return false, nil
		}
		return false, se
	}
	return true, nil
}

// Remove unpins and lets the daemon garbage-collect the block.
// Idempotent: removing an unpinned or absent block succeeds.
func (b *IPFSBackend) Remove(ctx context.Context, fp fingerprint.Fingerprint) error {
	if err := b.shell.Unpin(fp.String()); err != nil {
		se := b.classifier.Classify(err, "unpin")
		if se.Code == storage.ErrCodeNotFound {
			return nil
		}
		return se
	}
	return nil
}

// Pin pins the fingerprint recursively on the daemon.
func (b *IPFSBackend) Pin(ctx context.Context, fp fingerprint.Fingerprint) error {
	if err := b.shell.Pin(fp.String()); err != nil {
		return b.classifier.Classify(err, "pin")
	}
	return nil
}

// Unpin removes the daemon pin; idempotent.
func (b *IPFSBackend) Unpin(ctx context.Context, fp fingerprint.Fingerprint) error {
	if err := b.shell.Unpin(fp.String()); err != nil {
		se := b.classifier.Classify(err, "unpin")
		if se.Code == storage.ErrCodeNotFound {
			return nil
		}
		return se
	}
	return nil
}

// VerifyPin reports whether the daemon currently pins the fingerprint.
func (b *IPFSBackend) VerifyPin(ctx context.Context, fp fingerprint.Fingerprint) (bool, error) {
	pins, err := b.shell.Pins()
	if err != nil {
		return false, b.classifier.Classify(err, "pin/ls")
	}
	_, ok := pins[fp.String()]
	return ok, nil
}

// Stat reports repo usage from the daemon.
func (b *IPFSBackend) Stat(ctx context.Context) (*storage.StatResult, error) {
	var stat struct {
		RepoSize   int64 `json:"RepoSize"`
		StorageMax int64 `json:"StorageMax"`
	}
	if err := b.shell.Request("repo/stat").Exec(ctx, &stat); err != nil {
		return nil, b.classifier.Classify(err, "repo/stat")
	}
	return &storage.StatResult{
		UsedBytes:  stat.RepoSize,
		QuotaBytes: stat.StorageMax,
		Health:     b.Health(ctx),
		CheckedAt:  time.Now(),
	}, nil
}

// Health probes the daemon, caching the result briefly so hot read
// paths do not stampede the API.
func (b *IPFSBackend) Health(ctx context.Context) storage.HealthState {
	b.healthMu.RLock()
	if time.Since(b.lastCheck) < healthCacheWindow {
		h := b.lastHealth
		b.healthMu.RUnlock()
		return h
	}
	b.healthMu.RUnlock()

	if _, err := b.shell.ID(); err != nil {
		b.logger.Debug("content-store health probe failed", zap.Error(err))
		b.setHealth(storage.HealthDown)
		return storage.HealthDown
	}
	b.setHealth(storage.HealthOK)
	return storage.HealthOK
}

// Descriptor returns the static tier description.
func (b *IPFSBackend) Descriptor() storage.TierDescriptor {
	return b.desc
}
