package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the connection manager and its transport.
type RealtimeConfig struct {
	// ReconnectDelay is the fixed wait between a lost connection (or a
	// failed attempt) and the next attempt.
	ReconnectDelay time.Duration
	DialTimeout    time.Duration

	HeartbeatOutgoing time.Duration
	HeartbeatIncoming time.Duration
	// HeartbeatGrace is how long past the negotiated incoming heart-beat
	// interval the broker may stay silent before the connection is dropped.
	HeartbeatGrace time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.HeartbeatOutgoing == 0 {
		c.HeartbeatOutgoing = 10 * time.Second
	}
	if c.HeartbeatIncoming == 0 {
		c.HeartbeatIncoming = 10 * time.Second
	}
	if c.HeartbeatGrace == 0 {
		c.HeartbeatGrace = 5 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
)

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the single transport of a session and keeps it up
// until Disconnect is called.
type ConnectionManager struct {
	dialer Dialer
	creds  CredentialsFunc
	config RealtimeConfig
	logger *slog.Logger

	mu        sync.Mutex
	state     RealtimeState
	transport Transport
	gen       uint64
	cancelFn  context.CancelFunc
	done      chan struct{}
	connected chan struct{} // closed while state is StateConnected

	hooksMu        sync.RWMutex
	onConnected    []func(Transport)
	onDisconnected []func(error)
}

// NewConnectionManager creates a manager. Nothing is dialed until Connect.
func NewConnectionManager(dialer Dialer, creds CredentialsFunc, config RealtimeConfig) *ConnectionManager {
	config.defaults()
	return &ConnectionManager{
		dialer:    dialer,
		creds:     creds,
		config:    config,
		logger:    config.Logger,
		state:     StateDisconnected,
		connected: make(chan struct{}),
	}
}

// OnConnected registers a hook run on every transition into Connected,
// before any frame of the new transport is delivered. Hooks run on the
// manager's goroutine and must not call Disconnect.
func (m *ConnectionManager) OnConnected(h func(Transport)) {
	m.hooksMu.Lock()
	m.onConnected = append(m.onConnected, h)
	m.hooksMu.Unlock()
}

// OnDisconnected registers a hook run after a transport has been torn down.
// The error is nil for an explicit Disconnect.
func (m *ConnectionManager) OnDisconnected(h func(error)) {
	m.hooksMu.Lock()
	m.onDisconnected = append(m.onDisconnected, h)
	m.hooksMu.Unlock()
}

// State returns the current connection state.
func (m *ConnectionManager) State() RealtimeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transport returns the live transport, or nil when not connected.
func (m *ConnectionManager) Transport() Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transport
}

// Connect ensures a connection attempt is in progress or established. It
// does not block.
func (m *ConnectionManager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelFn != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	prev := m.done
	m.gen++
	m.cancelFn = cancel
	m.done = make(chan struct{})
	m.setStateLocked(StateConnecting)

	gen, done := m.gen, m.done
	go func() {
		// A previous run may still be closing its transport.
		if prev != nil {
			<-prev
		}
		m.run(ctx, gen, done)
	}()
}

// Disconnect tears down the transport and stops reconnecting until Connect
// is called again. It returns once the transport is closed.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	cancel, done := m.cancelFn, m.done
	m.cancelFn = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// WaitConnected blocks until the manager is Connected or ctx ends.
func (m *ConnectionManager) WaitConnected(ctx context.Context) error {
	m.mu.Lock()
	ch := m.connected
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *ConnectionManager) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)
	defer m.setState(gen, StateDisconnected)

	attempt := 0
	for {
		attempt++
		m.setState(gen, StateConnecting)

		t, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("connect failed, retrying",
				"attempt", attempt,
				"delay", m.config.ReconnectDelay,
				"error", err,
			)
			m.setState(gen, StateDisconnected)
			if !m.sleep(ctx) {
				return
			}
			continue
		}

		if !m.install(ctx, gen, t) {
			t.Close()
			return
		}
		attempt = 0
		m.logger.Info("realtime connected")
		m.emitConnected(t)

		var cause error
		select {
		case <-t.Done():
			cause = t.Err()
			if cause == nil {
				cause = errTransportClosed
			}
		case <-ctx.Done():
		}

		m.uninstall(gen)
		t.Close()
		m.emitDisconnected(cause)

		if ctx.Err() != nil {
			m.logger.Info("realtime disconnected")
			return
		}
		m.logger.Warn("connection lost, reconnecting",
			"error", cause,
			"delay", m.config.ReconnectDelay,
		)
		if !m.sleep(ctx) {
			return
		}
	}
}

// dial resolves fresh credentials and opens one transport.
func (m *ConnectionManager) dial(ctx context.Context) (Transport, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.DialTimeout)
	defer cancel()

	creds, err := m.creds(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}
	return m.dialer.Dial(ctx, creds)
}

func (m *ConnectionManager) sleep(ctx context.Context) bool {
	timer := time.NewTimer(m.config.ReconnectDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *ConnectionManager) install(ctx context.Context, gen uint64, t Transport) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil || gen != m.gen {
		return false
	}
	m.transport = t
	m.setStateLocked(StateConnected)
	return true
}

func (m *ConnectionManager) uninstall(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.transport = nil
	m.setStateLocked(StateDisconnected)
}

func (m *ConnectionManager) setState(gen uint64, s RealtimeState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.setStateLocked(s)
}

func (m *ConnectionManager) setStateLocked(s RealtimeState) {
	if m.state == s {
		return
	}
	if s == StateConnected {
		close(m.connected)
	} else if m.state == StateConnected {
		m.connected = make(chan struct{})
	}
	m.state = s
}

func (m *ConnectionManager) emitConnected(t Transport) {
	m.hooksMu.RLock()
	hooks := append([]func(Transport){}, m.onConnected...)
	m.hooksMu.RUnlock()
	for _, h := range hooks {
		h(t)
	}
}

func (m *ConnectionManager) emitDisconnected(err error) {
	m.hooksMu.RLock()
	hooks := append([]func(error){}, m.onDisconnected...)
	m.hooksMu.RUnlock()
	for _, h := range hooks {
		h(err)
	}
}
