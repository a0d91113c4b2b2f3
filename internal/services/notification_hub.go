package services

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// PushMessage is what connected clients receive.
type PushMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	UserID    string      `json:"user_id"`
	Timestamp time.Time   `json:"timestamp"`
}

type hubClient struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan PushMessage
	hub    *NotificationHub
}

// NotificationHub 维护在线用户的 websocket 连接，用于实时推送通知
type NotificationHub struct {
	clients    map[string]*hubClient
	deliver    chan PushMessage
	register   chan *hubClient
	unregister chan *hubClient
	done       chan struct{}
	mutex      sync.RWMutex
	logger     *logrus.Logger
	upgrader   websocket.Upgrader
}

func NewNotificationHub(logger *logrus.Logger) *NotificationHub {
	if logger == nil {
		logger = logrus.New()
	}
	return &NotificationHub{
		clients:    make(map[string]*hubClient),
		deliver:    make(chan PushMessage, 256),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		done:       make(chan struct{}),
		logger:     logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run dispatches messages until ctx is cancelled.
func (h *NotificationHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mutex.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mutex.Unlock()
			return

		case c := <-h.register:
			h.mutex.Lock()
			h.clients[c.id] = c
			h.mutex.Unlock()
			h.logger.Debugf("notification client %s connected for user %s", c.id, c.userID)

		case c := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			h.mutex.Unlock()

		case msg := <-h.deliver:
			h.mutex.Lock()
			for id, c := range h.clients {
				if c.userID != msg.UserID {
					continue
				}
				select {
				case c.send <- msg:
				default:
					// 慢客户端直接断开
					close(c.send)
					delete(h.clients, id)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// SendToUser queues msg for every connection of userID. It never blocks;
// when the queue is full the push is dropped, the stored notification remains.
func (h *NotificationHub) SendToUser(userID string, msg PushMessage) bool {
	msg.UserID = userID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case h.deliver <- msg:
		return true
	default:
		h.logger.Warnf("notification hub queue full, dropping push for user %s", userID)
		return false
	}
}

// ClientCount 当前在线连接数
func (h *NotificationHub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades GET /ws/notifications?user_id=... .
func (h *NotificationHub) HandleWebSocket(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorf("websocket upgrade failed: %v", err)
		return
	}

	client := &hubClient{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		send:   make(chan PushMessage, 64),
		hub:    h,
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump only drains control frames; clients do not send commands.
func (c *hubClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Errorf("websocket error: %v", err)
			}
			return
		}
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.hub.logger.Errorf("websocket write error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
