package event

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsSendBuffer   = 64
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 5 * time.Second
)

// WSMessage is the JSON message sent over WebSocket.
type WSMessage struct {
	Event string         `json:"event"`          // Event name (e.g., "queue.stats")
	Data  map[string]any `json:"data,omitempty"` // Event-specific data
	TS    int64          `json:"ts"`             // Timestamp (Unix ms)
}

// WSHandler streams emitter events to dashboard WebSocket clients.
type WSHandler struct {
	emitter  *Emitter
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewWSHandler creates a WebSocket handler on the given emitter.
func NewWSHandler(emitter *Emitter, logger *zap.Logger) *WSHandler {
	if emitter == nil {
		emitter = Global()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHandler{
		emitter: emitter,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Handle is the Gin handler for WebSocket connections.
// Query params:
//   - events: comma-separated event names to subscribe (empty = all)
//   - conversation: only deliver events scoped to this conversation id
//
// Example: /api/events/ws?events=queue.stats,conversation.updated
func (h *WSHandler) Handle(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	eventFilter := parseEventFilter(c.Query("events"))
	conversationID := strings.TrimSpace(c.Query("conversation"))

	sendCh := make(chan WSMessage, wsSendBuffer)
	done := make(chan struct{})

	unsubscribe := h.emitter.OnAny(func(ev Event) {
		if !matches(ev, eventFilter, conversationID) {
			return
		}

		msg := WSMessage{
			Event: ev.EventName(),
			Data:  eventToData(ev),
			TS:    time.Now().UnixMilli(),
		}

		select {
		case sendCh <- msg:
		default:
			h.logger.Warn("dropped websocket event, client buffer full", zap.String("event", ev.EventName()))
		}
	})
	defer unsubscribe()

	// Reader goroutine - keeps connection alive
	go func() {
		defer close(done)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	var writeMu sync.Mutex

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-done:
			return
		case <-ticker.C:
			writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				return
			}
		case msg := <-sendCh:
			writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := conn.WriteJSON(msg)
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func parseEventFilter(param string) map[string]bool {
	if param == "" {
		return nil
	}
	filter := make(map[string]bool)
	for _, e := range strings.Split(param, ",") {
		if e = strings.TrimSpace(e); e != "" {
			filter[e] = true
		}
	}
	return filter
}

func matches(ev Event, filter map[string]bool, conversationID string) bool {
	if filter != nil && !filter[ev.EventName()] {
		return false
	}
	if conversationID == "" {
		return true
	}
	scoped, ok := ev.(ConversationScoped)
	return ok && scoped.ConversationRef() == conversationID
}

// eventToData converts an Event to a map for JSON serialization.
func eventToData(ev Event) map[string]any {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}
