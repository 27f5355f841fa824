// Package signal implements the rendezvous service peers use to
// exchange WebRTC session descriptions and ICE candidates before a
// data channel exists. Peers join named rooms over WebSocket; the hub
// relays signaling messages within a room, addressed or broadcast.
package signal

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Message is one signaling envelope. Type routes it; the payload
// fields carry SDP or candidate material opaque to the hub.
type Message struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// Message types accepted by the hub.
const (
	TypeConnected  = "connected"
	TypePeerJoined = "peer-joined"
	TypePeerLeft   = "peer-left"
	TypeOffer      = "offer"
	TypeAnswer     = "answer"
	TypeCandidate  = "ice-candidate"
	TypePing       = "ping"
	TypePong       = "pong"
)

const sendQueueSize = 256

// client is one WebSocket connection with its writer queue.
type client struct {
	id   string
	conn *websocket.Conn
	send chan Message
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// room groups the clients negotiating with each other.
type room struct {
	id      string
	mu      sync.RWMutex
	clients map[string]*client
}

func (r *room) add(c *client) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.id] = c
	return len(r.clients)
}

func (r *room) remove(clientID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[clientID]; ok {
		delete(r.clients, clientID)
		c.close()
	}
	return len(r.clients)
}

// broadcast queues msg for every client except the sender. A client
// whose queue is full is dropped rather than allowed to stall the room.
func (r *room) broadcast(msg Message, senderID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var stalled []string
	for id, c := range r.clients {
		if id == senderID {
			continue
		}
		select {
		case c.send <- msg:
		default:
			stalled = append(stalled, id)
		}
	}
	return stalled
}

// sendTo queues msg for one addressed client.
func (r *room) sendTo(clientID string, msg Message) bool {
	r.mu.RLock()
	c, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Hub manages rooms and relays signaling traffic between their members.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]*room
}

// NewHub creates a signaling hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]*room),
	}
}

// Routes registers the hub's endpoints on a router.
func (h *Hub) Routes(r *mux.Router) {
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			h.logger.Debug("health write failed", "err", err)
		}
	}).Methods(http.MethodGet)
	r.HandleFunc("/ws", h.handleWS)
	r.HandleFunc("/ws/{roomID}", h.handleWS)
}

// RoomCount reports the number of live rooms.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) getOrCreateRoom(roomID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[roomID]; ok {
		return r
	}
	r := &room{id: roomID, clients: make(map[string]*client)}
	h.rooms[roomID] = r
	h.logger.Info("room created", "room_id", roomID)
	return r
}

func (h *Hub) dropRoomIfEmpty(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	if !ok {
		return
	}
	r.mu.RLock()
	empty := len(r.clients) == 0
	r.mu.RUnlock()
	if empty {
		delete(h.rooms, roomID)
		h.logger.Info("room removed", "room_id", roomID)
	}
}

func (h *Hub) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	roomID := mux.Vars(req)["roomID"]
	if roomID == "" {
		roomID = req.URL.Query().Get("room")
	}
	if roomID == "" {
		roomID = "default"
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan Message, sendQueueSize),
		done: make(chan struct{}),
	}
	rm := h.getOrCreateRoom(roomID)
	rm.add(c)
	h.logger.Info("client joined", "client_id", c.id, "room_id", roomID)

	go h.writePump(c)
	c.send <- Message{Type: TypeConnected, ClientID: c.id, RoomID: roomID}

	// Join order must not matter: the newcomer learns about everyone
	// already present, and everyone present learns about the newcomer.
	rm.mu.RLock()
	for id := range rm.clients {
		if id != c.id {
			c.send <- Message{Type: TypePeerJoined, ClientID: id, RoomID: roomID}
		}
	}
	rm.mu.RUnlock()
	rm.broadcast(Message{Type: TypePeerJoined, ClientID: c.id, RoomID: roomID}, c.id)

	h.readPump(c, rm)
}

// readPump consumes one connection until it closes, relaying its
// signaling traffic. It owns the client's room membership.
func (h *Hub) readPump(c *client, rm *room) {
	defer func() {
		remaining := rm.remove(c.id)
		rm.broadcast(Message{Type: TypePeerLeft, ClientID: c.id, RoomID: rm.id}, c.id)
		if remaining == 0 {
			h.dropRoomIfEmpty(rm.id)
		}
		if err := c.conn.Close(); err != nil {
			h.logger.Debug("close after read loop", "client_id", c.id, "err", err)
		}
		h.logger.Info("client left", "client_id", c.id, "room_id", rm.id)
	}()

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read failed", "client_id", c.id, "err", err)
			}
			return
		}
		msg.From = c.id
		msg.RoomID = rm.id

		switch msg.Type {
		case TypePing:
			c.send <- Message{Type: TypePong, ClientID: c.id, RoomID: rm.id}
		case TypeOffer, TypeAnswer, TypeCandidate:
			h.relay(rm, c, msg)
		default:
			h.logger.Debug("dropping unknown signal type", "type", msg.Type, "client_id", c.id)
		}
	}
}

// relay delivers an addressed message to its target, or broadcasts it
// when no target is named (the two-peer common case).
func (h *Hub) relay(rm *room, from *client, msg Message) {
	if msg.To != "" {
		if !rm.sendTo(msg.To, msg) {
			h.logger.Warn("relay target unavailable",
				"room_id", rm.id, "from", from.id, "to", msg.To, "type", msg.Type)
		}
		return
	}
	for _, stalled := range rm.broadcast(msg, from.id) {
		h.logger.Warn("dropping stalled client", "room_id", rm.id, "client_id", stalled)
		rm.remove(stalled)
	}
}

func (h *Hub) writePump(c *client) {
	defer func() {
		if err := c.conn.Close(); err != nil {
			h.logger.Debug("close after write loop", "client_id", c.id, "err", err)
		}
	}()
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteJSON(msg); err != nil {
				h.logger.Debug("websocket write failed", "client_id", c.id, "err", err)
				return
			}
		case <-c.done:
			if err := c.conn.WriteMessage(websocket.CloseMessage, nil); err != nil {
				h.logger.Debug("close message write failed", "client_id", c.id, "err", err)
			}
			return
		}
	}
}
