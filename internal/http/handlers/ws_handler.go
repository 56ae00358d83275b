package handlers

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/linktrack/backend/internal/auth"
	"github.com/linktrack/backend/internal/config"
	"github.com/linktrack/backend/internal/events"
	"github.com/linktrack/backend/internal/rbac"
	"go.uber.org/zap"
)

// WSHub streams automation events to connected operators.
type WSHub struct {
	cfg         *config.Config
	subscriber  events.Subscriber
	log         *zap.Logger
	mu          sync.RWMutex
	connections map[uuid.UUID][]*websocket.Conn
}

func NewWSHub(cfg *config.Config, subscriber events.Subscriber, log *zap.Logger) *WSHub {
	return &WSHub{
		cfg:         cfg,
		subscriber:  subscriber,
		log:         log,
		connections: make(map[uuid.UUID][]*websocket.Conn),
	}
}

// Start relays automation events to every connection until ctx is done.
func (h *WSHub) Start(ctx context.Context) {
	if err := h.subscriber.Subscribe(ctx, events.StreamAutomation, h.broadcast); err != nil {
		h.log.Error("websocket hub subscription failed", zap.Error(err))
	}
}

func (h *WSHub) broadcast(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, conns := range h.connections {
		for _, conn := range conns {
			_ = conn.WriteMessage(websocket.TextMessage, data)
		}
	}
}

// Count returns the number of open connections.
func (h *WSHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.connections {
		n += len(conns)
	}
	return n
}

// WSUpgradeMiddleware checks for websocket upgrade
func WSUpgradeMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

func (h *WSHub) HandleWS(conn *websocket.Conn) {
	tokenStr := conn.Query("token")
	if tokenStr == "" {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"missing token"}`))
		conn.Close()
		return
	}

	claims, err := auth.ParseJWT(h.cfg.JWTSecret, tokenStr)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"invalid token"}`))
		conn.Close()
		return
	}
	if !rbac.HasPermission(claims.Role, rbac.PermStreamEvents) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"permission denied"}`))
		conn.Close()
		return
	}

	operatorID := claims.OperatorID

	h.mu.Lock()
	h.connections[operatorID] = append(h.connections[operatorID], conn)
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		conns := h.connections[operatorID]
		for i, c := range conns {
			if c == conn {
				h.connections[operatorID] = append(conns[:i], conns[i+1:]...)
				break
			}
		}
		if len(h.connections[operatorID]) == 0 {
			delete(h.connections, operatorID)
		}
		h.mu.Unlock()
		conn.Close()
	}()

	// Read loop (keep alive / pings)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
