package connection

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// Config holds the retry policy.
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxRetries     int
}

// DefaultConfig returns the policy used when none is configured.
func DefaultConfig() Config {
	return Config{
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		MaxRetries:     10,
	}
}

type peer struct {
	info    Info
	backoff *backoff.ExponentialBackOff
}

// Manager owns the peer table. All methods are safe for concurrent use and
// every read or write of the table happens under one lock.
type Manager struct {
	mu     sync.Mutex
	peers  map[string]*peer
	config Config
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager returns an empty peer table using cfg.
func NewManager(cfg Config, opts ...Option) *Manager {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig().InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	m := &Manager{
		peers:  make(map[string]*peer),
		config: cfg,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// newBackoff returns a jitter-free doubling schedule capped at MaxBackoff.
func (m *Manager) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.config.InitialBackoff
	b.MaxInterval = m.config.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return b
}

// resetBackoff rewinds the schedule and returns its first interval.
func resetBackoff(b *backoff.ExponentialBackOff) time.Duration {
	b.Reset()
	return b.NextBackOff()
}

// lookup returns the entry for id, creating it in Disconnected state.
// Callers hold m.mu.
func (m *Manager) lookup(id string) *peer {
	p, ok := m.peers[id]
	if !ok {
		p = &peer{backoff: m.newBackoff()}
		p.info.State = Disconnected
		p.info.BackoffDuration = resetBackoff(p.backoff)
		m.peers[id] = p
	}
	return p
}

// State returns the state of peer id. An unseen peer is recorded as
// Disconnected.
func (m *Manager) State(id string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookup(id).info.State
}

// Info returns a copy of the bookkeeping for peer id, creating it if needed.
func (m *Manager) Info(id string) Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookup(id).info
}

// SetState moves peer id to state and applies the side effects of entering
// it as one atomic update:
//
//   - Connecting records the attempt time.
//   - Connected records the connect time and resets retries and backoff.
//   - ConnectionFailed counts a retry and doubles the backoff up to the cap.
func (m *Manager) SetState(id string, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.lookup(id)
	from := p.info.State
	if !canTransition(from, state) {
		return fmt.Errorf("%w: %s -> %s for peer %s", ErrInvalidTransition, from, state, id)
	}

	now := m.now()
	info := p.info
	info.State = state
	switch state {
	case Connecting:
		info.LastAttempt = now
	case Connected:
		info.ConnectedAt = now
		info.RetryCount = 0
		info.BackoffDuration = resetBackoff(p.backoff)
	case ConnectionFailed:
		info.RetryCount++
		info.BackoffDuration = p.backoff.NextBackOff()
	}
	p.info = info

	m.logger.Debug("peer state changed",
		"peer", id, "from", from, "to", state,
		"retry_count", info.RetryCount, "backoff", info.BackoffDuration)
	return nil
}

// ShouldReconnect reports whether the caller may dial peer id now. It does
// not change any state; a caller acting on true must call
// SetState(id, Connecting) itself.
func (m *Manager) ShouldReconnect(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.peers[id]
	if !ok {
		return true
	}
	info := p.info
	if info.State != ConnectionFailed || info.RetryCount >= m.config.MaxRetries {
		return false
	}
	return info.LastAttempt.IsZero() || m.now().Sub(info.LastAttempt) >= info.BackoffDuration
}

// RetryAfter returns how long the caller should wait before
// ShouldReconnect(id) can turn true, or zero if it already is. It returns
// -1 once the peer has exhausted its retries or is not in a failed state.
func (m *Manager) RetryAfter(id string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.peers[id]
	if !ok {
		return 0
	}
	info := p.info
	if info.State != ConnectionFailed || info.RetryCount >= m.config.MaxRetries {
		return -1
	}
	if info.LastAttempt.IsZero() {
		return 0
	}
	wait := info.BackoffDuration - m.now().Sub(info.LastAttempt)
	if wait < 0 {
		return 0
	}
	return wait
}

// Reset forgets peer id so it starts over as an unseen peer.
func (m *Manager) Reset(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, id)
}

// Peers returns a snapshot of every tracked peer.
func (m *Manager) Peers() map[string]Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Info, len(m.peers))
	for id, p := range m.peers {
		out[id] = p.info
	}
	return out
}
