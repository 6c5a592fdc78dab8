package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stratafs/stratafs/pkg/bus"
	"github.com/stratafs/stratafs/pkg/fingerprint"
	"github.com/stratafs/stratafs/pkg/index"
	"github.com/stratafs/stratafs/pkg/storage"
)

// announceBatchSize keeps announcements under the bus message cap.
const announceBatchSize = 16

// Config configures a sync handler.
type Config struct {
	ClusterID        string
	NodeID           string
	Role             index.Role
	AnnounceInterval time.Duration
	FetchTimeout     time.Duration
	// AnnounceQueueBudget bounds buffered inbound announcements;
	// beyond it they are dropped, costing only a sync round-trip.
	AnnounceQueueBudget int
}

// Handler participates in the announce/request/response protocol. The
// coordinator announces its manifest periodically; workers request
// partitions they lack and install verified downloads; any holder
// serves requests by pushing the partition into the content store.
type Handler struct {
	cfg    Config
	bus    bus.Bus
	index  *index.Index
	store  storage.Backend
	logger *zap.Logger

	announceQ chan Announcement

	mu       sync.Mutex
	inflight map[uint64]time.Time // partition_id -> request expiry
	badFps   map[string]bool      // partition fingerprints that failed verification
	dropped  int64

	subs   []bus.Subscription
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewHandler wires a sync handler over a bus, an index and the
// content-addressed store backend.
func NewHandler(cfg Config, b bus.Bus, idx *index.Index, store storage.Backend, logger *zap.Logger) *Handler {
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = 5 * time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.AnnounceQueueBudget <= 0 {
		cfg.AnnounceQueueBudget = 128
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		cfg:       cfg,
		bus:       b,
		index:     idx,
		store:     store,
		logger:    logger.With(zap.String("node_id", cfg.NodeID)),
		announceQ: make(chan Announcement, cfg.AnnounceQueueBudget),
		inflight:  make(map[uint64]time.Time),
		badFps:    make(map[string]bool),
	}
}

func (h *Handler) topic(suffix string) string {
	return fmt.Sprintf("/%s/index/%s", h.cfg.ClusterID, suffix)
}

// Start subscribes according to role and launches the worker
// goroutines. Edge nodes subscribe only to responses; they request on
// demand via RequestPartition.
func (h *Handler) Start(ctx context.Context) error {
	ctx, h.cancel = context.WithCancel(ctx)

	if h.cfg.Role != index.RoleEdge {
		sub, err := h.bus.Subscribe(h.topic(topicAnnounce), h.onAnnounce)
		if err != nil {
			return fmt.Errorf("subscribe announce: %w", err)
		}
		h.subs = append(h.subs, sub)

		sub, err = h.bus.Subscribe(h.topic(topicRequest), func(data []byte) {
			h.onRequest(ctx, data)
		})
		if err != nil {
			return fmt.Errorf("subscribe request: %w", err)
		}
		h.subs = append(h.subs, sub)
	}

	sub, err := h.bus.Subscribe(h.topic(topicResponse), func(data []byte) {
		h.onResponse(ctx, data)
	})
	if err != nil {
		return fmt.Errorf("subscribe response: %w", err)
	}
	h.subs = append(h.subs, sub)

	h.wg.Add(1)
	go h.consumeAnnouncements(ctx)

	if h.cfg.Role == index.RoleCoordinator {
		h.wg.Add(1)
		go h.announceLoop(ctx)
	}
	return nil
}

// Stop cancels subscriptions and waits for workers.
func (h *Handler) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	for _, s := range h.subs {
		s.Cancel()
	}
	h.wg.Wait()
}

// announceLoop broadcasts the manifest on the announce topic every
// interval, and once at startup.
func (h *Handler) announceLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.AnnounceInterval)
	defer ticker.Stop()

	h.Announce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Announce(ctx)
		}
	}
}

// Announce publishes the node's current manifest, batched to stay
// under the bus message size.
func (h *Handler) Announce(ctx context.Context) {
	entries := h.index.ManifestSnapshot()
	for start := 0; start < len(entries); start += announceBatchSize {
		end := start + announceBatchSize
		if end > len(entries) {
			end = len(entries)
		}
		ann := Announcement{NodeID: h.cfg.NodeID}
		for _, info := range entries[start:end] {
			ann.Partitions = append(ann.Partitions, PartitionAnnounce{
				PartitionID: info.PartitionID,
				ContentHash: info.ContentHash,
				RowCount:    info.RowCount,
				CreatedAt:   info.CreatedAt,
			})
		}
		raw, err := json.Marshal(&ann)
		if err != nil {
			h.logger.Error("marshal announcement", zap.Error(err))
			return
		}
		if err := h.bus.Publish(ctx, h.topic(topicAnnounce), raw); err != nil {
			h.logger.Warn("publish announcement failed", zap.Error(err))
		}
	}
}

// onAnnounce enqueues an inbound announcement, dropping when the queue
// budget is exhausted.
func (h *Handler) onAnnounce(data []byte) {
	var ann Announcement
	if err := json.Unmarshal(data, &ann); err != nil {
		h.logger.Debug("unparseable announcement dropped", zap.Error(err))
		return
	}
	if ann.NodeID == h.cfg.NodeID {
		return
	}
	select {
	case h.announceQ <- ann:
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
		h.logger.Debug("announcement dropped: queue full")
	}
}

func (h *Handler) consumeAnnouncements(ctx context.Context) {
	defer h.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ann := <-h.announceQ:
			h.processAnnouncement(ctx, ann)
		}
	}
}

// processAnnouncement requests every announced partition this node
// does not hold, deduping in-flight requests per partition id.
func (h *Handler) processAnnouncement(ctx context.Context, ann Announcement) {
	for _, pa := range ann.Partitions {
		if h.index.HasPartition(pa.PartitionID, pa.ContentHash) {
			continue
		}
		if !h.markInflight(pa.PartitionID) {
			continue
		}
		h.publishRequest(ctx, pa.PartitionID, pa.ContentHash)
	}
}

func (h *Handler) markInflight(id uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if expiry, ok := h.inflight[id]; ok && time.Now().Before(expiry) {
		return false
	}
	h.inflight[id] = time.Now().Add(h.cfg.FetchTimeout)
	return true
}

func (h *Handler) clearInflight(id uint64) {
	h.mu.Lock()
	delete(h.inflight, id)
	h.mu.Unlock()
}

func (h *Handler) publishRequest(ctx context.Context, id uint64, contentHash string) {
	req := Request{Requester: h.cfg.NodeID, PartitionID: id, ContentHash: contentHash}
	raw, err := json.Marshal(&req)
	if err != nil {
		return
	}
	if err := h.bus.Publish(ctx, h.topic(topicRequest), raw); err != nil {
		h.logger.Warn("publish request failed",
			zap.Uint64("partition_id", id), zap.Error(err))
		h.clearInflight(id)
	}
}

// RequestPartition issues a targeted request, used by edge nodes when
// the placement engine needs a row it does not have.
func (h *Handler) RequestPartition(ctx context.Context, id uint64, contentHash string) {
	if h.markInflight(id) {
		h.publishRequest(ctx, id, contentHash)
	}
}

// onRequest serves a partition this node holds: the file is pushed
// into the content-addressed store and its fingerprint published on
// the response topic.
func (h *Handler) onRequest(ctx context.Context, data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	if req.Requester == h.cfg.NodeID {
		return
	}

	body, info, err := h.index.PartitionData(req.PartitionID)
	if err != nil {
		return // not a holder; someone else may serve it
	}
	if req.ContentHash != "" && req.ContentHash != info.ContentHash {
		return // requester wants a different incarnation of this id
	}

	fp, err := fingerprint.FromRaw(body)
	if err != nil {
		h.logger.Error("fingerprint partition", zap.Error(err))
		return
	}
	pushCtx, cancel := context.WithTimeout(ctx, h.cfg.FetchTimeout)
	defer cancel()
	if err := h.store.Put(pushCtx, fp, body); err != nil {
		h.logger.Warn("push partition to content store failed",
			zap.Uint64("partition_id", req.PartitionID), zap.Error(err))
		return
	}

	resp := Response{
		NodeID:               h.cfg.NodeID,
		PartitionID:          req.PartitionID,
		ContentHash:          info.ContentHash,
		RowCount:             info.RowCount,
		CreatedAt:            info.CreatedAt,
		PartitionFingerprint: fp.String(),
	}
	raw, err := json.Marshal(&resp)
	if err != nil {
		return
	}
	if err := h.bus.Publish(ctx, h.topic(topicResponse), raw); err != nil {
		h.logger.Warn("publish response failed", zap.Error(err))
	}
}

// onResponse downloads a partition body from the content store,
// validates it against the announced hash and installs it. A
// fingerprint that fails validation is remembered and never fetched
// again; a later response with a different fingerprint may still
// succeed.
func (h *Handler) onResponse(ctx context.Context, data []byte) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return
	}
	if resp.NodeID == h.cfg.NodeID {
		return
	}
	if h.index.HasPartition(resp.PartitionID, resp.ContentHash) {
		h.clearInflight(resp.PartitionID)
		return
	}

	h.mu.Lock()
	bad := h.badFps[resp.PartitionFingerprint]
	h.mu.Unlock()
	if bad {
		return
	}

	fp, err := fingerprint.Parse(resp.PartitionFingerprint)
	if err != nil {
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, h.cfg.FetchTimeout)
	defer cancel()
	body, err := h.store.Get(fetchCtx, fp)
	if err != nil {
		h.logger.Warn("partition fetch failed; next announcement will retry",
			zap.Uint64("partition_id", resp.PartitionID), zap.Error(err))
		h.clearInflight(resp.PartitionID)
		return
	}

	_, err = h.index.InstallPartition(body, index.PartitionInfo{
		PartitionID: resp.PartitionID,
		RowCount:    resp.RowCount,
		ContentHash: resp.ContentHash,
		CreatedAt:   resp.CreatedAt,
	})
	if err != nil {
		if storage.CodeOf(err) == storage.ErrCodeCorruption {
			h.mu.Lock()
			h.badFps[resp.PartitionFingerprint] = true
			h.mu.Unlock()
			h.logger.Warn("discarded corrupt partition",
				zap.Uint64("partition_id", resp.PartitionID),
				zap.String("partition_fingerprint", resp.PartitionFingerprint))
		} else {
			h.logger.Warn("partition install failed",
				zap.Uint64("partition_id", resp.PartitionID), zap.Error(err))
		}
		h.clearInflight(resp.PartitionID)
		return
	}

	h.clearInflight(resp.PartitionID)
	h.logger.Info("partition synchronized",
		zap.Uint64("partition_id", resp.PartitionID),
		zap.String("from", resp.NodeID))
}

// DroppedAnnouncements reports how many announcements were shed under
// backpressure.
func (h *Handler) DroppedAnnouncements() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
