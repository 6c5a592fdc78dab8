package backends

import (
	"context"
	"sync"
	"time"

	"github.com/stratafs/stratafs/pkg/fingerprint"
	"github.com/stratafs/stratafs/pkg/storage"
)

// MockBackend is an in-memory backend for tests. It supports per-op
// failure injection, artificial latency and health flapping.
type MockBackend struct {
	mu      sync.RWMutex
	desc    storage.TierDescriptor
	data    map[string][]byte
	pinned  map[string]bool
	quota   int64
	used    int64
	health  storage.HealthState
	latency time.Duration

	// failNext maps operation name ("put", "get", "has", "remove") to
	// an error returned once per queued entry.
	failNext map[string][]error

	// Counters for assertions.
	Gets    int
	Puts    int
	Hases   int
	Removes int
}

// NewMockBackend creates a mock backend with the given descriptor.
func NewMockBackend(desc storage.TierDescriptor) *MockBackend {
	return &MockBackend{
		desc:     desc,
		data:     make(map[string][]byte),
		pinned:   make(map[string]bool),
		health:   storage.HealthOK,
		failNext: make(map[string][]error),
	}
}

// SetQuota bounds the mock's capacity; puts beyond it fail with
// CAPACITY.
func (m *MockBackend) SetQuota(bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quota = bytes
}

// SetHealth overrides the reported health state.
func (m *MockBackend) SetHealth(h storage.HealthState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health = h
}

// SetLatency adds a fixed delay to every operation.
func (m *MockBackend) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// FailWith queues an error to be returned by the next call of the
// named operation.
func (m *MockBackend) FailWith(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[op] = append(m.failNext[op], err)
}

func (m *MockBackend) takeFailure(op string) error {
	queue := m.failNext[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	m.failNext[op] = queue[1:]
	return err
}

func (m *MockBackend) sleep(ctx context.Context) error {
	if m.latency == 0 {
		return nil
	}
	select {
	case <-time.After(m.latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Put stores bytes in the mock.
func (m *MockBackend) Put(ctx context.Context, fp fingerprint.Fingerprint, data []byte) error {
	if err := m.sleep(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Puts++
	if err := m.takeFailure("put"); err != nil {
		return err
	}
	key := fp.Key()
	if m.quota > 0 {
		if _, exists := m.data[key]; !exists && m.used+int64(len(data)) > m.quota {
			return storage.NewError(storage.ErrCodeCapacity, m.desc.Name, "mock quota exceeded", nil)
		}
	}
	if old, exists := m.data[key]; exists {
		m.used -= int64(len(old))
	}
	body := make([]byte, len(data))
	copy(body, data)
	m.data[key] = body
	m.used += int64(len(body))
	return nil
}

// Get returns stored bytes or NOT_FOUND.
func (m *MockBackend) Get(ctx context.Context, fp fingerprint.Fingerprint) ([]byte, error) {
	if err := m.sleep(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Gets++
	if err := m.takeFailure("get"); err != nil {
		return nil, err
	}
	body, ok := m.data[fp.Key()]
	if !ok {
		return nil, storage.ErrNotFound(m.desc.Name)
	}
	out := make([]byte, len(body))
	copy(out, body)
	return out, nil
}

// Has reports presence.
func (m *MockBackend) Has(ctx context.Context, fp fingerprint.Fingerprint) (bool, error) {
	if err := m.sleep(ctx); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Hases++
	if err := m.takeFailure("has"); err != nil {
		return false, err
	}
	_, ok := m.data[fp.Key()]
	return ok, nil
}

// Remove deletes an entry; idempotent.
func (m *MockBackend) Remove(ctx context.Context, fp fingerprint.Fingerprint) error {
	if err := m.sleep(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Removes++
	if err := m.takeFailure("remove"); err != nil {
		return err
	}
	key := fp.Key()
	if body, ok := m.data[key]; ok {
		m.used -= int64(len(body))
		delete(m.data, key)
	}
	delete(m.pinned, key)
	return nil
}

// Stat reports mock usage.
func (m *MockBackend) Stat(ctx context.Context) (*storage.StatResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return &storage.StatResult{
		UsedBytes:  m.used,
		QuotaBytes: m.quota,
		Health:     m.health,
		CheckedAt:  time.Now(),
	}, nil
}

// Health reports the configured health state.
func (m *MockBackend) Health(ctx context.Context) storage.HealthState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.health
}

// Descriptor returns the tier descriptor.
func (m *MockBackend) Descriptor() storage.TierDescriptor {
	return m.desc
}

// Pin marks an entry pinned.
func (m *MockBackend) Pin(ctx context.Context, fp fingerprint.Fingerprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.data[fp.Key()]; !ok {
		return storage.ErrNotFound(m.desc.Name)
	}
	m.pinned[fp.Key()] = true
	return nil
}

// Unpin clears a pin; idempotent.
func (m *MockBackend) Unpin(ctx context.Context, fp fingerprint.Fingerprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.pinned, fp.Key())
	return nil
}

// Pinned reports whether an entry is pinned, for assertions.
func (m *MockBackend) Pinned(fp fingerprint.Fingerprint) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pinned[fp.Key()]
}

// Len returns the number of stored entries.
func (m *MockBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
