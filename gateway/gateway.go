// Package gateway is the worker connection manager: it owns the
// worker-id→connection map, routes frames both ways, and surfaces
// connect/disconnect events to the allocator and reaper. Connection errors
// are always local — one bad channel never affects another, and the
// gateway never retries; higher layers reassign.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tailored-agentic-units/controlplane/config"
	"github.com/tailored-agentic-units/controlplane/observability"
	"github.com/tailored-agentic-units/controlplane/wire"
)

// Gateway event types.
const (
	EventConnected    observability.EventType = "gateway.worker.connected"
	EventDisconnected observability.EventType = "gateway.worker.disconnected"
	EventSuperseded   observability.EventType = "gateway.worker.superseded"
	EventSendFailed   observability.EventType = "gateway.send.failed"
	EventFrameDropped observability.EventType = "gateway.frame.dropped"
	EventAuthFailed   observability.EventType = "gateway.auth.failed"
)

// FrameHandler receives every worker→server frame after decode. The
// handler runs on the connection's read goroutine, so it must not block
// on the gateway itself.
type FrameHandler interface {
	HandleFrame(ctx context.Context, workerID uuid.UUID, frame wire.Frame)
}

// Hooks are lifecycle callbacks into the rest of the control plane. Either
// may be nil.
type Hooks struct {
	// OnConnect fires after a worker's connection is registered.
	OnConnect func(ctx context.Context, workerID uuid.UUID)
	// OnDisconnect fires after a worker's connection is torn down, with
	// superseded=true when a replacement connection caused it.
	OnDisconnect func(ctx context.Context, workerID uuid.UUID, superseded bool)
}

// Manager maintains at most one live connection per worker. The map it
// guards is the single source of truth for who is currently connected.
type Manager struct {
	cfg     config.GatewayConfig
	obs     observability.Observer
	handler FrameHandler
	hooks   Hooks

	mu    sync.RWMutex
	conns map[uuid.UUID]*conn
}

// NewManager builds a connection manager. handler may be nil during tests
// that only exercise the connection map.
func NewManager(cfg config.GatewayConfig, obs observability.Observer, handler FrameHandler, hooks Hooks) *Manager {
	return &Manager{
		cfg:     cfg,
		obs:     obs,
		handler: handler,
		hooks:   hooks,
		conns:   make(map[uuid.UUID]*conn),
	}
}

type conn struct {
	workerID uuid.UUID
	ws       *websocket.Conn

	writeMu sync.Mutex // guarantees frame boundaries

	recvMu      sync.Mutex
	lastRecv    time.Time
	missedPings int

	closeOnce sync.Once
	done      chan struct{}
}

// Accept registers a newly opened, already-authenticated channel for a
// worker. An existing channel for the same worker is closed with reason
// "superseded" before the new one replaces it.
func (m *Manager) Accept(ctx context.Context, workerID uuid.UUID, ws *websocket.Conn) {
	c := &conn{
		workerID: workerID,
		ws:       ws,
		lastRecv: time.Now(),
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	prev := m.conns[workerID]
	m.conns[workerID] = c
	m.mu.Unlock()

	if prev != nil {
		observability.Emit(ctx, m.obs, EventSuperseded, observability.LevelInfo, "gateway",
			map[string]any{"worker_id": workerID.String()})
		m.teardown(ctx, prev, wire.CloseNormal, wire.ReasonSuperseded, true)
	}

	if m.cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(m.cfg.MaxMessageBytes)
	}

	go m.readLoop(c)
	go m.keepalive(c)

	observability.Emit(ctx, m.obs, EventConnected, observability.LevelInfo, "gateway",
		map[string]any{"worker_id": workerID.String(), "connected": float64(m.Count())})
	if m.hooks.OnConnect != nil {
		m.hooks.OnConnect(ctx, workerID)
	}
}

// Send writes one frame to a worker's channel. A false return means the
// frame was not delivered; the connection, if any, has been torn down and
// the caller should treat an in-flight assignment as undelivered.
func (m *Manager) Send(ctx context.Context, workerID uuid.UUID, frame wire.Frame) bool {
	m.mu.RLock()
	c := m.conns[workerID]
	m.mu.RUnlock()
	if c == nil {
		return false
	}

	if err := m.writeFrame(c, frame); err != nil {
		observability.Emit(ctx, m.obs, EventSendFailed, observability.LevelWarning, "gateway",
			map[string]any{"worker_id": workerID.String(), "frame_type": string(frame.Type), "error": err.Error()})
		m.teardown(ctx, c, wire.CloseInternalError, "write failed", false)
		return false
	}
	return true
}

// Broadcast fans a frame out to every connected worker not in exclude.
// Best effort: failed channels are torn down and not counted.
func (m *Manager) Broadcast(ctx context.Context, frame wire.Frame, exclude map[uuid.UUID]bool) int {
	m.mu.RLock()
	targets := make([]*conn, 0, len(m.conns))
	for id, c := range m.conns {
		if !exclude[id] {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := m.writeFrame(c, frame); err != nil {
			m.teardown(ctx, c, wire.CloseInternalError, "write failed", false)
			continue
		}
		delivered++
	}
	return delivered
}

// IsConnected reports whether a worker has a live channel.
func (m *Manager) IsConnected(workerID uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[workerID] != nil
}

// ConnectedWorkerIDs snapshots the connected worker ids.
func (m *Manager) ConnectedWorkerIDs() []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// CloseWorker tears down a worker's connection with an explicit close code.
// Used by the reaper (heartbeat-timeout) and operator deletion (4409).
func (m *Manager) CloseWorker(ctx context.Context, workerID uuid.UUID, code int, reason string) {
	m.mu.RLock()
	c := m.conns[workerID]
	m.mu.RUnlock()
	if c != nil {
		m.teardown(ctx, c, code, reason, false)
	}
}

// Shutdown closes every connection with a normal close frame.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	conns := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()
	for _, c := range conns {
		m.teardown(ctx, c, wire.CloseNormal, wire.ReasonNormal, false)
	}
}

func (m *Manager) writeFrame(c *conn, frame wire.Frame) error {
	line, err := frame.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if wt := m.cfg.WriteTimeout.Std(); wt > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(wt))
	}
	return c.ws.WriteMessage(websocket.TextMessage, line)
}

// readLoop drains incoming frames and hands each to the typed handler.
func (m *Manager) readLoop(c *conn) {
	ctx := context.Background()
	for {
		_, line, err := c.ws.ReadMessage()
		if err != nil {
			m.teardown(ctx, c, wire.CloseNormal, wire.ReasonNormal, false)
			return
		}

		c.recvMu.Lock()
		c.lastRecv = time.Now()
		c.missedPings = 0
		c.recvMu.Unlock()

		frame, err := wire.Parse(line)
		if err != nil {
			observability.Emit(ctx, m.obs, EventFrameDropped, observability.LevelWarning, "gateway",
				map[string]any{"worker_id": c.workerID.String(), "error": err.Error()})
			continue
		}
		if !frame.Type.FromWorker() {
			observability.Emit(ctx, m.obs, EventFrameDropped, observability.LevelWarning, "gateway",
				map[string]any{"worker_id": c.workerID.String(), "frame_type": string(frame.Type)})
			continue
		}

		if frame.Type == wire.TypePong {
			continue
		}
		if m.handler != nil {
			m.handler.HandleFrame(ctx, c.workerID, frame)
		}
	}
}

// keepalive pings a silent connection after 2x the heartbeat interval.
// Two consecutive pings with no frame received in between tear the
// connection down.
func (m *Manager) keepalive(c *conn) {
	interval := m.cfg.HeartbeatInterval.Std()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	silence := 2 * interval

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		c.recvMu.Lock()
		quiet := time.Since(c.lastRecv) >= silence
		missed := c.missedPings
		if quiet {
			c.missedPings++
		}
		c.recvMu.Unlock()

		if !quiet {
			continue
		}
		if missed >= 2 {
			m.teardown(context.Background(), c, wire.CloseNormal, wire.ReasonDead, false)
			return
		}
		if err := m.writeFrame(c, wire.MustNew(wire.TypePing, wire.Ping{})); err != nil {
			m.teardown(context.Background(), c, wire.CloseInternalError, "write failed", false)
			return
		}
	}
}

// teardown closes a channel exactly once and removes it from the map. A
// superseded channel was already replaced in the map before this runs;
// its disconnect hook still fires, flagged so handlers keep the worker
// online. Late teardowns for an already-replaced channel (its read loop
// erroring after the close) are no-ops.
func (m *Manager) teardown(ctx context.Context, c *conn, code int, reason string, superseded bool) {
	c.close(code, reason)

	m.mu.Lock()
	removed := false
	if m.conns[c.workerID] == c {
		delete(m.conns, c.workerID)
		removed = true
	}
	m.mu.Unlock()

	if !removed && !superseded {
		return
	}
	if removed {
		observability.Emit(ctx, m.obs, EventDisconnected, observability.LevelInfo, "gateway",
			map[string]any{"worker_id": c.workerID.String(), "reason": reason, "connected": float64(m.Count())})
	}
	if m.hooks.OnDisconnect != nil {
		m.hooks.OnDisconnect(ctx, c.workerID, superseded)
	}
}

func (c *conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(code, reason)
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}
