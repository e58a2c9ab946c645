package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tailored-agentic-units/controlplane/config"
	"github.com/tailored-agentic-units/controlplane/model"
	"github.com/tailored-agentic-units/controlplane/observability"
	"github.com/tailored-agentic-units/controlplane/wire"
)

type fakeAuth struct {
	workers map[string]*model.Worker // key hash -> worker
}

func (f *fakeAuth) WorkerByAPIKeyHash(_ context.Context, hash string) (*model.Worker, error) {
	w, ok := f.workers[hash]
	if !ok {
		return nil, model.E(model.KindNotFound, "worker not found")
	}
	return w, nil
}

type captureHandler struct {
	mu     sync.Mutex
	frames []wire.Frame
}

func (c *captureHandler) HandleFrame(_ context.Context, _ uuid.UUID, frame wire.Frame) {
	c.mu.Lock()
	c.frames = append(c.frames, frame)
	c.mu.Unlock()
}

func (c *captureHandler) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

type testGateway struct {
	manager *Manager
	server  *httptest.Server
	handler *captureHandler
	worker  *model.Worker
	apiKey  string
}

func newTestGateway(t *testing.T, hooks Hooks) *testGateway {
	t.Helper()

	apiKey := "test-key-" + uuid.NewString()
	worker := &model.Worker{ID: uuid.New(), Name: "w1", APIKeyHash: HashAPIKey(apiKey)}
	auth := &fakeAuth{workers: map[string]*model.Worker{worker.APIKeyHash: worker}}

	capture := &captureHandler{}
	cfg := config.DefaultGatewayConfig()
	manager := NewManager(cfg, observability.NoOpObserver{}, capture, hooks)
	server := httptest.NewServer(NewHandler(manager, auth, nil, observability.NoOpObserver{}))
	t.Cleanup(server.Close)

	return &testGateway{manager: manager, server: server, handler: capture, worker: worker, apiKey: apiKey}
}

func (g *testGateway) dial(t *testing.T, key string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.server.URL, "http")
	header := http.Header{}
	if key != "" {
		header.Set(APIKeyHeader, key)
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestAuthFailureCloses4401(t *testing.T) {
	g := newTestGateway(t, Hooks{})
	ws := g.dial(t, "wrong-key")

	_, _, err := ws.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != wire.CloseAuthFailed {
		t.Errorf("close code = %d, want %d", closeErr.Code, wire.CloseAuthFailed)
	}
	if g.manager.Count() != 0 {
		t.Errorf("connection count = %d, want 0", g.manager.Count())
	}
}

func TestSendDeliversFrame(t *testing.T) {
	g := newTestGateway(t, Hooks{})
	ws := g.dial(t, g.apiKey)

	waitFor(t, func() bool { return g.manager.IsConnected(g.worker.ID) }, "worker never connected")

	frame := wire.MustNew(wire.TypeTaskAssignment, wire.TaskAssignment{
		SubtaskID:   uuid.New(),
		Description: "index the corpus",
	})
	if !g.manager.Send(context.Background(), g.worker.ID, frame) {
		t.Fatal("Send reported undelivered")
	}

	_, line, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	got, err := wire.Parse(line)
	if err != nil {
		t.Fatalf("client could not parse frame: %v", err)
	}
	if got.Type != wire.TypeTaskAssignment {
		t.Errorf("frame type = %s, want %s", got.Type, wire.TypeTaskAssignment)
	}
}

func TestSendToDisconnectedWorker(t *testing.T) {
	g := newTestGateway(t, Hooks{})
	if g.manager.Send(context.Background(), uuid.New(), wire.MustNew(wire.TypePing, wire.Ping{})) {
		t.Error("Send to unknown worker should report undelivered")
	}
}

func TestSupersededConnection(t *testing.T) {
	var disconnects []bool
	var mu sync.Mutex
	g := newTestGateway(t, Hooks{
		OnDisconnect: func(_ context.Context, _ uuid.UUID, superseded bool) {
			mu.Lock()
			disconnects = append(disconnects, superseded)
			mu.Unlock()
		},
	})

	first := g.dial(t, g.apiKey)
	waitFor(t, func() bool { return g.manager.IsConnected(g.worker.ID) }, "first connection never registered")

	g.dial(t, g.apiKey)
	// The first connection gets a normal close with reason "superseded".
	_, _, err := first.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != wire.CloseNormal || closeErr.Text != wire.ReasonSuperseded {
		t.Errorf("close = (%d, %q), want (%d, %q)",
			closeErr.Code, closeErr.Text, wire.CloseNormal, wire.ReasonSuperseded)
	}

	// Exactly one live connection remains.
	if g.manager.Count() != 1 {
		t.Errorf("connection count = %d, want 1", g.manager.Count())
	}

	// The disconnect hook fires for the replaced channel, flagged so
	// handlers keep the worker online.
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(disconnects) == 1
	}, "superseded disconnect hook never fired")
	mu.Lock()
	defer mu.Unlock()
	if !disconnects[0] {
		t.Error("disconnect hook was not flagged superseded")
	}
}

func TestWorkerFramesReachHandler(t *testing.T) {
	g := newTestGateway(t, Hooks{})
	ws := g.dial(t, g.apiKey)
	waitFor(t, func() bool { return g.manager.IsConnected(g.worker.ID) }, "worker never connected")

	hb := wire.MustNew(wire.TypeHeartbeat, wire.Heartbeat{Status: model.WorkerIdle, CPUPercent: 12})
	line, err := hb.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, line); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	waitFor(t, func() bool { return g.handler.count() == 1 }, "frame never reached handler")
}

func TestServerFramesFromClientAreDropped(t *testing.T) {
	g := newTestGateway(t, Hooks{})
	ws := g.dial(t, g.apiKey)
	waitFor(t, func() bool { return g.manager.IsConnected(g.worker.ID) }, "worker never connected")

	// A worker must not be able to inject server→worker frame kinds.
	bogus := wire.MustNew(wire.TypeTaskAssignment, wire.TaskAssignment{SubtaskID: uuid.New()})
	line, _ := bogus.Encode()
	if err := ws.WriteMessage(websocket.TextMessage, line); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	hb := wire.MustNew(wire.TypeHeartbeat, wire.Heartbeat{Status: model.WorkerIdle})
	line, _ = hb.Encode()
	if err := ws.WriteMessage(websocket.TextMessage, line); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	waitFor(t, func() bool { return g.handler.count() == 1 }, "heartbeat never reached handler")
	g.handler.mu.Lock()
	defer g.handler.mu.Unlock()
	if g.handler.frames[0].Type != wire.TypeHeartbeat {
		t.Errorf("handler saw %s, want heartbeat only", g.handler.frames[0].Type)
	}
}

func TestBroadcastExcludes(t *testing.T) {
	g := newTestGateway(t, Hooks{})
	g.dial(t, g.apiKey)
	waitFor(t, func() bool { return g.manager.IsConnected(g.worker.ID) }, "worker never connected")

	frame := wire.MustNew(wire.TypeNotification, wire.Notification{Subject: "drain"})
	n := g.manager.Broadcast(context.Background(), frame, map[uuid.UUID]bool{g.worker.ID: true})
	if n != 0 {
		t.Errorf("broadcast delivered %d, want 0 with sole worker excluded", n)
	}
	n = g.manager.Broadcast(context.Background(), frame, nil)
	if n != 1 {
		t.Errorf("broadcast delivered %d, want 1", n)
	}
}

func TestDisconnectHookFires(t *testing.T) {
	done := make(chan uuid.UUID, 1)
	g := newTestGateway(t, Hooks{
		OnDisconnect: func(_ context.Context, workerID uuid.UUID, _ bool) {
			done <- workerID
		},
	})

	ws := g.dial(t, g.apiKey)
	waitFor(t, func() bool { return g.manager.IsConnected(g.worker.ID) }, "worker never connected")
	ws.Close()

	select {
	case id := <-done:
		if id != g.worker.ID {
			t.Errorf("disconnect hook got %s, want %s", id, g.worker.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect hook never fired")
	}
	waitFor(t, func() bool { return g.manager.Count() == 0 }, "connection map never emptied")
}
