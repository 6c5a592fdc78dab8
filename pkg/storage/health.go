package storage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// faultThreshold is the number of consecutive probe failures after
// which a tier is considered Faulted.
const faultThreshold = 2

// tierHealth tracks the rolling health of one tier.
type tierHealth struct {
	consecutiveFails int
	faulted          bool
	faultedAt        time.Time
	lastProbe        time.Time
	lastState        HealthState
}

// HealthMonitor tracks per-tier health observations and implements the
// fault-gating state machine: two consecutive failures mark a tier
// Faulted, and a Faulted tier stays excluded until a full probe
// interval has elapsed and a fresh probe reports ok.
type HealthMonitor struct {
	mu            sync.Mutex
	tiers         map[string]*tierHealth
	probeInterval time.Duration
	logger        *zap.Logger
	now           func() time.Time
}

// NewHealthMonitor creates a monitor with the given probe interval.
func NewHealthMonitor(probeInterval time.Duration, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthMonitor{
		tiers:         make(map[string]*tierHealth),
		probeInterval: probeInterval,
		logger:        logger,
		now:           time.Now,
	}
}

func (m *HealthMonitor) state(name string) *tierHealth {
	th, ok := m.tiers[name]
	if !ok {
		th = &tierHealth{lastState: HealthOK}
		m.tiers[name] = th
	}
	return th
}

// ObserveSuccess records a successful operation or probe on a tier.
func (m *HealthMonitor) ObserveSuccess(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	th := m.state(name)
	th.consecutiveFails = 0
	th.lastState = HealthOK
	if th.faulted && m.now().Sub(th.faultedAt) >= m.probeInterval {
		th.faulted = false
		m.logger.Info("tier recovered", zap.String("tier", name))
	}
}

// ObserveFailure records a failed operation or probe on a tier.
func (m *HealthMonitor) ObserveFailure(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	th := m.state(name)
	th.consecutiveFails++
	th.lastState = HealthDown
	if !th.faulted && th.consecutiveFails >= faultThreshold {
		th.faulted = true
		th.faultedAt = m.now()
		m.logger.Warn("tier faulted",
			zap.String("tier", name),
			zap.Int("consecutive_failures", th.consecutiveFails))
	}
	if th.faulted {
		// A failure during the exclusion window restarts it.
		th.faultedAt = m.now()
	}
}

// Available reports whether the placement engine may use a tier.
// Faulted tiers are excluded until Probe clears them.
func (m *HealthMonitor) Available(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	th := m.state(name)
	return !th.faulted
}

// Probe runs the backend's health check if the tier is Faulted and the
// exclusion window has elapsed. Returns whether the tier is usable.
func (m *HealthMonitor) Probe(ctx context.Context, backend Backend) bool {
	name := backend.Descriptor().Name

	m.mu.Lock()
	th := m.state(name)
	if !th.faulted {
		m.mu.Unlock()
		return true
	}
	if m.now().Sub(th.faultedAt) < m.probeInterval {
		m.mu.Unlock()
		return false
	}
	th.lastProbe = m.now()
	m.mu.Unlock()

	if backend.Health(ctx) == HealthOK {
		m.ObserveSuccess(name)
		return m.Available(name)
	}
	m.ObserveFailure(name)
	return false
}

// Snapshot returns the current per-tier health for diagnostics.
func (m *HealthMonitor) Snapshot() map[string]HealthState {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]HealthState, len(m.tiers))
	for name, th := range m.tiers {
		if th.faulted {
			out[name] = HealthDown
		} else {
			out[name] = th.lastState
		}
	}
	return out
}
