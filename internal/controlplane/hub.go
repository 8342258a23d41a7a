// Package controlplane implements the realtime control-plane socket (distinct
// from the per-session SSE stream) used to push permission-changed events and
// online-session snapshots to a user's connected devices, and to carry
// request/response control operations (get/set capabilities, configure
// server) between a device and the gateway.
package controlplane

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NotificationType identifies the kind of outbound push.
type NotificationType string

const (
	NotificationPermissionChanged NotificationType = "permission_changed"
	NotificationUserDisabled      NotificationType = "user_disabled"
	NotificationUserExpired       NotificationType = "user_expired"
	NotificationOnlineSessions    NotificationType = "online_sessions"
	NotificationServerOnline      NotificationType = "mcp_server_online"
	NotificationServerOffline     NotificationType = "mcp_server_offline"
)

// envelope is the wire shape for every outbound message.
type envelope struct {
	Type      string      `json:"type"` // "notification" | "ack" | "server_info" | "<action>"
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// roundTripRequest is the wire shape used for request/response control operations.
type roundTripRequest struct {
	RequestID string      `json:"requestId"`
	Action    string      `json:"action"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type roundTripResponse struct {
	RequestID string          `json:"requestId"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *roundTripError `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type roundTripError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type socket struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

type pendingCall struct {
	resultCh chan roundTripResponse
}

// Hub is a per-process realtime hub with per-userId rooms instead of a single
// global broadcast set, following the same register/unregister/broadcast
// channel shape as the admin observability dashboard hub.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*socket]struct{} // userId -> sockets

	register   chan *socket
	unregister chan *socket
	broadcast  chan roomMessage

	pendingMu sync.Mutex
	pending   map[string]*pendingCall
}

type roomMessage struct {
	userID string
	data   []byte
}

// NewHub creates a new control-plane hub.
func NewHub() *Hub {
	h := &Hub{
		rooms:      make(map[string]map[*socket]struct{}),
		register:   make(chan *socket),
		unregister: make(chan *socket),
		broadcast:  make(chan roomMessage, 256),
		pending:    make(map[string]*pendingCall),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case s := <-h.register:
			h.mu.Lock()
			room, ok := h.rooms[s.userID]
			if !ok {
				room = make(map[*socket]struct{})
				h.rooms[s.userID] = room
			}
			room[s] = struct{}{}
			h.mu.Unlock()
		case s := <-h.unregister:
			h.mu.Lock()
			if room, ok := h.rooms[s.userID]; ok {
				if _, ok := room[s]; ok {
					delete(room, s)
					close(s.send)
				}
				if len(room) == 0 {
					delete(h.rooms, s.userID)
				}
			}
			h.mu.Unlock()
		case m := <-h.broadcast:
			h.mu.RLock()
			for s := range h.rooms[m.userID] {
				select {
				case s.send <- m.data:
				default:
					close(s.send)
					delete(h.rooms[m.userID], s)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish pushes a notification to every socket registered under userID.
func (h *Hub) Publish(userID string, notifType NotificationType, data interface{}) {
	env := envelope{Type: "notification", Data: map[string]interface{}{
		"type": notifType,
		"data": data,
	}, Timestamp: time.Now()}
	payload, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal control-plane notification")
		return
	}
	select {
	case h.broadcast <- roomMessage{userID: userID, data: payload}:
	default:
		log.Warn().Str("user_id", userID).Msg("Control-plane broadcast buffer full, dropping notification")
	}
}

// HasConnections reports whether userID has at least one live socket.
func (h *Hub) HasConnections(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[userID]) > 0
}

// HandleWebSocket upgrades the connection and registers it in userID's room.
// Authentication has already happened (same bearer-token validator as the
// HTTP admission path) before this handler runs.
func (h *Hub) HandleWebSocket(userID string, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Control-plane WebSocket upgrade failed")
		return
	}

	s := &socket{userID: userID, conn: conn, send: make(chan []byte, 32)}
	h.register <- s

	go h.writePump(s)
	go h.readPump(s)
}

func (h *Hub) writePump(s *socket) {
	defer s.conn.Close()
	for msg := range s.send {
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (h *Hub) readPump(s *socket) {
	defer func() {
		h.unregister <- s
		s.conn.Close()
	}()
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		h.handleInbound(s, msg)
	}
}

func (h *Hub) handleInbound(s *socket, msg []byte) {
	var resp roundTripResponse
	if err := json.Unmarshal(msg, &resp); err == nil && resp.RequestID != "" {
		h.pendingMu.Lock()
		p, ok := h.pending[resp.RequestID]
		if ok {
			delete(h.pending, resp.RequestID)
		}
		h.pendingMu.Unlock()
		if ok {
			p.resultCh <- resp
		}
		return
	}
	// Otherwise it's an inbound control message (client-info, get_capabilities, ...);
	// no handler is registered for those, so they are dropped here.
}

// Call sends a request/response round trip to every socket in userID's room
// and blocks until the first matching socket_response arrives or timeout elapses.
func (h *Hub) Call(userID, action string, data interface{}, timeout time.Duration) (json.RawMessage, error) {
	if !h.HasConnections(userID) {
		return nil, fmt.Errorf("no control-plane connection for user %s", userID)
	}

	requestID := fmt.Sprintf("cp_%d_%d", time.Now().UnixMilli(), rand.Intn(1_000_000))
	p := &pendingCall{resultCh: make(chan roundTripResponse, 1)}

	h.pendingMu.Lock()
	h.pending[requestID] = p
	h.pendingMu.Unlock()

	req := roundTripRequest{RequestID: requestID, Action: action, Data: data, Timestamp: time.Now()}
	payload, err := json.Marshal(req)
	if err != nil {
		h.pendingMu.Lock()
		delete(h.pending, requestID)
		h.pendingMu.Unlock()
		return nil, err
	}

	select {
	case h.broadcast <- roomMessage{userID: userID, data: payload}:
	default:
		h.pendingMu.Lock()
		delete(h.pending, requestID)
		h.pendingMu.Unlock()
		return nil, fmt.Errorf("control-plane broadcast buffer full")
	}

	select {
	case resp := <-p.resultCh:
		if !resp.Success {
			msg := "control-plane round trip failed"
			if resp.Error != nil {
				msg = resp.Error.Message
			}
			return nil, fmt.Errorf("%s", msg)
		}
		return resp.Data, nil
	case <-time.After(timeout):
		h.pendingMu.Lock()
		delete(h.pending, requestID)
		h.pendingMu.Unlock()
		return nil, fmt.Errorf("control-plane round trip %q timed out after %s", action, timeout)
	}
}
