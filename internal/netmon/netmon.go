package netmon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skiff-sync/skiff/internal/bus"
	"github.com/skiff-sync/skiff/internal/config"
)

// Status classifies reachability of the remote endpoint.
type Status string

const (
	StatusOnline  Status = "online"
	StatusLimited Status = "limited"
	StatusOffline Status = "offline"
)

// Info is a connectivity snapshot: the classified status plus the link
// quality estimates derived from the last probe round-trip.
type Info struct {
	Status        Status    `json:"status"`
	EffectiveType string    `json:"effectiveType,omitempty"`
	DownlinkMbps  float64   `json:"downlinkMbps,omitempty"`
	RTTMillis     int64     `json:"rtt"`
	CheckedAt     time.Time `json:"checkedAt"`
}

// Change is the payload of net.status_changed events.
type Change struct {
	From Status `json:"from"`
	To   Status `json:"to"`
	Info Info   `json:"info"`
}

// Prober measures one round trip to the remote endpoint.
type Prober interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// Monitor probes the remote on an interval and classifies connectivity.
// Transitions are published on the bus so the sync worker can react without
// polling.
type Monitor struct {
	prober  Prober
	bus     *bus.Bus
	log     *zap.Logger
	cfg     config.NetConfig
	mu      sync.RWMutex
	info    Info
	primed  bool
	now     func() time.Time
	probeCh chan struct{}

	listenMu  sync.Mutex
	listeners map[int]func(Change)
	nextID    int
}

// New creates a monitor that starts offline until the first probe lands.
func New(prober Prober, b *bus.Bus, cfg config.NetConfig, log *zap.Logger) *Monitor {
	return &Monitor{
		prober:    prober,
		bus:       b,
		log:       log,
		cfg:       cfg,
		info:      Info{Status: StatusOffline},
		now:       time.Now,
		probeCh:   make(chan struct{}, 1),
		listeners: make(map[int]func(Change)),
	}
}

// AddListener registers a callback for status transitions and returns its
// unsubscribe function. Callbacks run on the probing goroutine and must not
// block.
func (m *Monitor) AddListener(fn func(Change)) func() {
	m.listenMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.listenMu.Unlock()
	return func() {
		m.listenMu.Lock()
		delete(m.listeners, id)
		m.listenMu.Unlock()
	}
}

// Info returns the latest connectivity snapshot.
func (m *Monitor) Info() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info
}

// Online reports whether pushes are currently worth attempting. Limited
// connectivity still counts; only offline gates the worker.
func (m *Monitor) Online() bool {
	return m.Info().Status != StatusOffline
}

// Kick requests an immediate probe from the Run loop, without blocking.
// The worker calls this after a transport failure so a dead link is noticed
// before the next scheduled probe.
func (m *Monitor) Kick() {
	select {
	case m.probeCh <- struct{}{}:
	default:
	}
}

// Probe performs one synchronous check and records the outcome.
func (m *Monitor) Probe(ctx context.Context) Info {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout())
	defer cancel()

	rtt, err := m.prober.Ping(probeCtx)
	info := Info{Status: StatusOffline, CheckedAt: m.now().UTC()}
	if err == nil {
		info = classify(rtt, m.cfg.LimitedRTT())
		info.CheckedAt = m.now().UTC()
	}
	m.record(info)
	return info
}

// Run probes on the configured interval until the context ends.
func (m *Monitor) Run(ctx context.Context) {
	m.Probe(ctx)

	ticker := time.NewTicker(m.cfg.ProbeInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		case <-m.probeCh:
			m.Probe(ctx)
		}
	}
}

func (m *Monitor) record(info Info) {
	m.mu.Lock()
	prev := m.info
	changed := !m.primed || prev.Status != info.Status
	m.primed = true
	m.info = info
	m.mu.Unlock()

	if !changed {
		return
	}
	change := Change{From: prev.Status, To: info.Status, Info: info}
	m.log.Info("connectivity changed",
		zap.String("from", string(prev.Status)),
		zap.String("to", string(info.Status)),
		zap.Int64("rtt_ms", info.RTTMillis))
	if m.bus != nil {
		m.bus.Emit("net.status_changed", change)
	}

	m.listenMu.Lock()
	fns := make([]func(Change), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.listenMu.Unlock()
	for _, fn := range fns {
		fn(change)
	}
}

// classify buckets a probe round trip into a status and the coarse link
// estimates UI clients expect.
func classify(rtt, limitedThreshold time.Duration) Info {
	info := Info{Status: StatusOnline, RTTMillis: rtt.Milliseconds()}
	if rtt >= limitedThreshold {
		info.Status = StatusLimited
	}

	switch {
	case rtt < 50*time.Millisecond:
		info.EffectiveType = "4g"
		info.DownlinkMbps = 10
	case rtt < 300*time.Millisecond:
		info.EffectiveType = "3g"
		info.DownlinkMbps = 1.5
	case rtt < 1000*time.Millisecond:
		info.EffectiveType = "2g"
		info.DownlinkMbps = 0.25
	default:
		info.EffectiveType = "slow-2g"
		info.DownlinkMbps = 0.05
	}
	return info
}
