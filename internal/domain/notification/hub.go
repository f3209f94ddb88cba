package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tutorbook/internal/pkg/jwt"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 4 * 1024
	sendBuffer = 64
)

type TokenValidator interface {
	ValidateToken(token string) (*jwt.Claims, error)
}

// connection is a single websocket client.
type connection struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// Hub pushes lesson events to the connected tutor and student.
// A user may hold several connections (tabs, devices).
type Hub struct {
	mu          sync.RWMutex
	connections map[string]map[*connection]struct{}
	upgrader    websocket.Upgrader
	log         logrus.FieldLogger
}

func NewHub(origins []string, log logrus.FieldLogger) *Hub {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return &Hub{
		connections: make(map[string]map[*connection]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || len(allowed) == 0 || allowed[origin]
			},
		},
		log: log,
	}
}

// Handler upgrades GET /ws/lessons?token=<jwt>. Browsers cannot set headers
// on websocket requests, so the token travels in the query.
func (h *Hub) Handler(tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := tokens.ValidateToken(c.Query("token"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   gin.H{"code": "INVALID_TOKEN", "message": "Invalid token"},
			})
			return
		}

		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.log.WithError(err).WithField("user_id", claims.UserID).Warn("websocket upgrade failed")
			return
		}
		h.serve(conn, claims.UserID)
	}
}

// Notify queues e for every connection of its recipients. Slow clients are
// skipped rather than blocking the caller.
func (h *Hub) Notify(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, userID := range e.Recipients() {
		for c := range h.connections[userID] {
			select {
			case c.send <- data:
			default:
				h.log.WithFields(logrus.Fields{"user_id": userID, "type": e.Type}).Warn("websocket client too slow, event dropped")
			}
		}
	}
	return nil
}

func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[userID]) > 0
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, conns := range h.connections {
		for c := range conns {
			close(c.send)
		}
		delete(h.connections, userID)
	}
}

func (h *Hub) register(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.connections[c.userID]
	if !ok {
		conns = make(map[*connection]struct{})
		h.connections[c.userID] = conns
	}
	conns[c] = struct{}{}
}

func (h *Hub) unregister(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.connections[c.userID]
	if !ok {
		return
	}
	if _, ok := conns[c]; ok {
		delete(conns, c)
		close(c.send)
	}
	if len(conns) == 0 {
		delete(h.connections, c.userID)
	}
}

func (h *Hub) serve(conn *websocket.Conn, userID string) {
	c := &connection{
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
	}
	h.register(c)

	go h.writePump(c)
	h.readPump(c)
}

// readPump only drains control frames; clients do not send anything useful.
func (h *Hub) readPump(c *connection) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMsgSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
