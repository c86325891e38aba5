// Package ws owns the persistent realtime connection: lifecycle,
// authentication, heartbeat, reconnect backoff, and inbound frame
// dispatch onto the bus.
package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ridelink/ridelink/internal/bus"
	"github.com/ridelink/ridelink/internal/status"
	"github.com/ridelink/ridelink/internal/wire"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned by Send while the link is not in the
	// Connected state. The frame is dropped, never queued.
	ErrNotConnected = errors.New("ws: not connected")
	// ErrClosed is returned after Close. A closed manager never
	// reopens; build a new one.
	ErrClosed = errors.New("ws: manager closed")
)

// Config holds the connection tunables.
type Config struct {
	URL               string
	HeartbeatInterval time.Duration
	BackoffFloor      time.Duration
	BackoffCeiling    time.Duration
	Dialer            Dialer
}

func (c *Config) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.BackoffFloor == 0 {
		c.BackoffFloor = time.Second
	}
	if c.BackoffCeiling == 0 {
		c.BackoffCeiling = 30 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = DefaultDialer
	}
}

// Manager owns the socket. It dispatches every successfully decoded
// inbound frame on the bus as "ws.<type>", one at a time in arrival
// order; malformed frames are logged and dropped without touching
// connection state.
type Manager struct {
	cfg     Config
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	mu         sync.Mutex
	conn       Conn
	userID     int64
	nextDelay  time.Duration // backoff delay for the next retry
	retryTimer *time.Timer
	hbStop     chan struct{}
	gen        int // connection generation, guards stale read loops
	closed     bool

	wmu sync.Mutex // serializes frame writes

	// afterFunc is swapped by tests to observe backoff scheduling.
	afterFunc func(time.Duration, func()) *time.Timer
}

// NewManager creates a connection manager. The machine must start in
// Disconnected.
func NewManager(cfg Config, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:       cfg,
		machine:   machine,
		bus:       b,
		logger:    logger,
		nextDelay: cfg.BackoffFloor,
		afterFunc: time.AfterFunc,
	}
}

// Open establishes the transport and authenticates as userID. It is a
// no-op while a connection attempt is already in flight or established
// (idempotent open), and returns ErrClosed after Close. Dialing happens
// asynchronously; the caller is never blocked on the network.
func (m *Manager) Open(ctx context.Context, userID int64) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.retryTimer != nil {
		// A reconnect is already scheduled; let it run.
		m.mu.Unlock()
		return nil
	}
	switch m.machine.Current() {
	case status.Connecting, status.Authenticating, status.Connected, status.Reconnecting:
		m.mu.Unlock()
		return nil
	}
	m.userID = userID
	m.mu.Unlock()

	if err := m.machine.Transition(status.Connecting); err != nil {
		// Lost a race with a concurrent Open; the winner's dial is in
		// flight, which is what idempotent open promises.
		switch m.machine.Current() {
		case status.Connecting, status.Authenticating, status.Connected, status.Reconnecting:
			return nil
		}
		return err
	}
	go m.dial(ctx)
	return nil
}

// Send transmits an envelope if the link is Connected, otherwise fails
// with ErrNotConnected. Delivery is best-effort: a frame that cannot be
// sent is dropped, not queued.
func (m *Manager) Send(env wire.Envelope) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	conn := m.conn
	m.mu.Unlock()

	if conn == nil || m.machine.Current() != status.Connected {
		return ErrNotConnected
	}

	data, err := wire.Encode(env)
	if err != nil {
		return err
	}
	if err := m.writeFrame(conn, data); err != nil {
		return fmt.Errorf("send %s frame: %w", env.Type, err)
	}
	return nil
}

// Close cancels the heartbeat and any pending reconnect, releases the
// transport, and transitions to the terminal Closed state.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.hbStop != nil {
		close(m.hbStop)
		m.hbStop = nil
	}
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	_ = m.machine.Transition(status.Closed)
	if conn != nil {
		_ = conn.Close()
	}
	m.logger.Info("connection closed")
	return nil
}

// dial runs one connection attempt: transport, authenticate frame,
// Connected transition, then heartbeat and read loop.
func (m *Manager) dial(ctx context.Context) {
	conn, err := m.cfg.Dialer(ctx, m.cfg.URL)
	if err != nil {
		m.logger.Warn("dial failed", zap.String("url", m.cfg.URL), zap.Error(err))
		m.scheduleRetry(ctx)
		return
	}

	if err := m.machine.Transition(status.Authenticating); err != nil {
		// Closed while dialing.
		_ = conn.Close()
		return
	}

	m.mu.Lock()
	userID := m.userID
	m.mu.Unlock()

	authData, err := wire.Encode(wire.NewAuthenticate(userID))
	if err != nil {
		_ = conn.Close()
		m.scheduleRetry(ctx)
		return
	}
	if err := m.writeFrame(conn, authData); err != nil {
		m.logger.Warn("authenticate send failed", zap.Error(err))
		_ = conn.Close()
		m.scheduleRetry(ctx)
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.gen++
	gen := m.gen
	m.nextDelay = m.cfg.BackoffFloor // successful connect resets backoff
	hbStop := make(chan struct{})
	m.hbStop = hbStop
	m.mu.Unlock()

	if err := m.machine.Transition(status.Connected); err != nil {
		m.mu.Lock()
		if m.gen == gen {
			m.conn = nil
			m.hbStop = nil
		}
		m.mu.Unlock()
		_ = conn.Close()
		return
	}

	m.logger.Info("connected", zap.Int64("user_id", userID))
	go m.heartbeat(gen, hbStop)
	go m.readLoop(ctx, conn, gen)
}

// scheduleRetry arms a single reconnect timer with the current backoff
// delay, then doubles the delay up to the ceiling. A pending retry is
// never duplicated.
func (m *Manager) scheduleRetry(ctx context.Context) {
	m.mu.Lock()
	if m.closed || m.retryTimer != nil {
		m.mu.Unlock()
		return
	}
	delay := m.nextDelay
	m.nextDelay = min(delay*2, m.cfg.BackoffCeiling)
	m.mu.Unlock()

	if err := m.machine.Transition(status.Reconnecting); err != nil {
		return
	}

	m.mu.Lock()
	if m.closed || m.retryTimer != nil {
		m.mu.Unlock()
		return
	}
	m.retryTimer = m.afterFunc(delay, func() {
		m.mu.Lock()
		m.retryTimer = nil
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		if err := m.machine.Transition(status.Connecting); err != nil {
			return
		}
		m.dial(ctx)
	})
	m.mu.Unlock()

	m.logger.Info("reconnect scheduled", zap.Duration("delay", delay))
}

// readLoop decodes inbound frames and dispatches them on the bus in
// arrival order.
func (m *Manager) readLoop(ctx context.Context, conn Conn, gen int) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(ctx, conn, gen, err)
			return
		}

		env, err := wire.Decode(data)
		if err != nil {
			m.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		if env.Type == wire.TypeAuthRejected {
			// The server refused our credentials: retrying the same
			// authenticate frame cannot succeed, so shut down for good.
			m.logger.Error("authentication rejected by server")
			m.bus.Publish(bus.Event{Kind: "conn.auth_rejected", Timestamp: time.Now(), Payload: env})
			_ = m.Close()
			return
		}

		m.bus.Publish(bus.Event{
			Kind:      "ws." + env.Type,
			Timestamp: time.Now(),
			Payload:   env,
		})
	}
}

func (m *Manager) handleDisconnect(ctx context.Context, conn Conn, gen int, cause error) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		// Deliberate shutdown or a stale loop from a replaced connection.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	if m.hbStop != nil {
		close(m.hbStop)
		m.hbStop = nil
	}
	m.mu.Unlock()

	_ = conn.Close()
	m.logger.Warn("connection lost", zap.Error(cause))
	m.scheduleRetry(ctx)
}

// heartbeat sends a ping frame every HeartbeatInterval while the
// transport is open. When the timer fires on a dead transport the loop
// exits; a fresh Connected transition arms a new one.
func (m *Manager) heartbeat(gen int, stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			if m.closed || gen != m.gen || m.conn == nil {
				m.mu.Unlock()
				return
			}
			conn := m.conn
			m.mu.Unlock()

			data, err := wire.Encode(wire.NewPing())
			if err != nil {
				return
			}
			if err := m.writeFrame(conn, data); err != nil {
				m.logger.Warn("heartbeat send failed", zap.Error(err))
			}
		case <-stop:
			return
		}
	}
}

func (m *Manager) writeFrame(conn Conn, data []byte) error {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	return conn.WriteMessage(data)
}
