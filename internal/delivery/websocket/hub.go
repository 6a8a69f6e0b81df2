package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"visual-novel-server/pkg/taskmanager"
)

const (
	// Время, разрешенное для записи сообщения клиенту.
	writeWait = 10 * time.Second
	// Время, разрешенное для чтения следующего pong сообщения от клиента.
	pongWait = 60 * time.Second
	// Отправлять пинги клиенту с этим периодом. Должно быть меньше pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Максимальный размер сообщения, разрешенный от клиента.
	maxMessageSize = 512

	sendBuffer      = 256
	broadcastBuffer = 256
)

// Типы событий
const (
	EventTaskUpdated = "task_updated"
	EventTaskRemoved = "task_removed"
)

// Event - сообщение, отправляемое клиентам.
type Event struct {
	Type   string            `json:"type"`
	Task   *taskmanager.Task `json:"task,omitempty"`
	TaskID string            `json:"task_id,omitempty"`
}

// TokenVerifier проверяет токен из query параметра token.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// envelope - событие вместе с владельцем задачи.
type envelope struct {
	owner string
	data  []byte
}

type client struct {
	owner string
	conn  *websocket.Conn
	send  chan []byte
}

// Hub рассылает события очереди генерации клиентам. При включенной проверке
// токена клиент получает только события своих задач.
type Hub struct {
	upgrader   websocket.Upgrader
	verifier   TokenVerifier
	log        zerolog.Logger
	register   chan *client
	unregister chan *client
	broadcast  chan envelope
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*client]struct{}

	// taskOwners нужен для task_removed, где есть только ID задачи.
	ownersMu   sync.Mutex
	taskOwners map[string]string
}

var _ taskmanager.Notifier = (*Hub)(nil)

// NewHub создает Hub. verifier == nil отключает проверку токена,
// пустой allowedOrigins разрешает любой Origin.
func NewHub(verifier TokenVerifier, allowedOrigins []string, logger zerolog.Logger) *Hub {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = struct{}{}
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(origins) == 0 {
					return true
				}
				_, ok := origins[r.Header.Get("Origin")]
				return ok
			},
		},
		verifier:   verifier,
		log:        logger.With().Str("component", "WebSocketHub").Logger(),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan envelope, broadcastBuffer),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
		taskOwners: make(map[string]string),
	}
}

// Run обрабатывает регистрацию клиентов и рассылку до отмены ctx.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info().Msg("WebSocket hub started")
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.log.Info().Msg("WebSocket hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			h.log.Debug().Str("owner", c.owner).Msg("Client registered")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.log.Debug().Str("owner", c.owner).Msg("Client unregistered")
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if !h.visibleTo(c, msg.owner) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.log.Warn().Str("owner", c.owner).Msg("Client send buffer is full, dropping connection")
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) visibleTo(c *client, owner string) bool {
	return h.verifier == nil || c.owner == owner
}

// ClientCount возвращает число подключенных клиентов.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// TaskUpdated отправляет снимок задачи без исходного изображения.
func (h *Hub) TaskUpdated(task taskmanager.Task) {
	h.ownersMu.Lock()
	h.taskOwners[task.ID] = task.OwnerID
	h.ownersMu.Unlock()

	task.ImageData = nil
	h.publish(task.OwnerID, Event{Type: EventTaskUpdated, Task: &task})
}

// TaskRemoved сообщает об удалении задачи ее владельцу.
func (h *Hub) TaskRemoved(taskID string) {
	h.ownersMu.Lock()
	owner, ok := h.taskOwners[taskID]
	delete(h.taskOwners, taskID)
	h.ownersMu.Unlock()

	if !ok && h.verifier != nil {
		h.log.Debug().Str("task_id", taskID).Msg("Removal of unknown task not forwarded")
		return
	}
	h.publish(owner, Event{Type: EventTaskRemoved, TaskID: taskID})
}

func (h *Hub) publish(owner string, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal websocket event")
		return
	}
	select {
	case h.broadcast <- envelope{owner: owner, data: data}:
	default:
		h.log.Warn().Str("type", ev.Type).Msg("Broadcast buffer is full, event dropped")
	}
}

// ServeHTTP устанавливает WebSocket соединение.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	owner := ""
	if h.verifier != nil {
		token := r.URL.Query().Get("token")
		if token == "" {
			http.Error(w, "Unauthorized: missing token", http.StatusUnauthorized)
			return
		}
		sub, err := h.verifier.Verify(token)
		if err != nil {
			h.log.Warn().Err(err).Msg("Invalid websocket token")
			http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
			return
		}
		owner = sub
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	c := &client{owner: owner, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump читает входящие сообщения только ради pong и обнаружения закрытия.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn().Err(err).Msg("Unexpected websocket close")
			}
			return
		}
	}
}

// writePump отправляет сообщения и пинги клиенту.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
