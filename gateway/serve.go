package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tailored-agentic-units/controlplane/model"
	"github.com/tailored-agentic-units/controlplane/observability"
	"github.com/tailored-agentic-units/controlplane/wire"
)

// APIKeyHeader carries the worker credential on the upgrade request.
const APIKeyHeader = "X-Worker-API-Key"

// Authenticator resolves a worker from its hashed API key.
type Authenticator interface {
	WorkerByAPIKeyHash(ctx context.Context, hash string) (*model.Worker, error)
}

// TokenBlacklist checks whether a credential has been revoked.
type TokenBlacklist interface {
	TokenBlacklisted(ctx context.Context, hash string) (bool, error)
}

// HashAPIKey derives the stored form of a worker credential.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Handler upgrades worker HTTP requests to frame streams. Authentication
// happens before any frame flows: the key must hash to a stored worker row
// and must not be blacklisted. Failures close with code 4401 so workers
// can distinguish bad credentials from transport trouble.
type Handler struct {
	manager   *Manager
	auth      Authenticator
	blacklist TokenBlacklist
	obs       observability.Observer
	upgrader  websocket.Upgrader
}

// NewHandler wires the upgrade endpoint. blacklist may be nil when token
// revocation is not deployed.
func NewHandler(manager *Manager, auth Authenticator, blacklist TokenBlacklist, obs observability.Observer) *Handler {
	return &Handler{
		manager:   manager,
		auth:      auth,
		blacklist: blacklist,
		obs:       obs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Workers authenticate with API keys, not cookies; origin
			// checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements the worker websocket endpoint.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(APIKeyHeader)
	if key == "" && h.manager.cfg.AllowQueryAuth {
		key = r.URL.Query().Get("api_key")
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error.
		return
	}

	worker, authErr := h.authenticate(r.Context(), key)
	if authErr != "" {
		observability.Emit(r.Context(), h.obs, EventAuthFailed, observability.LevelWarning, "gateway",
			map[string]any{"remote": r.RemoteAddr, "reason": authErr})
		closeWith(ws, wire.CloseAuthFailed, wire.ReasonAuthFailed)
		return
	}

	h.manager.Accept(r.Context(), worker.ID, ws)
}

func (h *Handler) authenticate(ctx context.Context, key string) (*model.Worker, string) {
	if key == "" {
		return nil, "missing api key"
	}
	hash := HashAPIKey(key)

	if h.blacklist != nil {
		revoked, err := h.blacklist.TokenBlacklisted(ctx, hash)
		if err == nil && revoked {
			return nil, "credential revoked"
		}
	}

	worker, err := h.auth.WorkerByAPIKeyHash(ctx, hash)
	if err != nil {
		return nil, "unknown api key"
	}
	return worker, ""
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.SetWriteDeadline(time.Now().Add(time.Second))
	_ = ws.WriteMessage(websocket.CloseMessage, msg)
	_ = ws.Close()
}
