package hub

import (
	"log/slog"
	"sort"
	"sync"

	"codee-relay/document"
	"codee-relay/domain"
	"codee-relay/metrics"
)

// room holds one shared document and the sessions editing it. The room lock
// serializes document access and fan-out; sessions are keyed by ID.
type room struct {
	id      string
	doc     document.Document
	clients map[string]domain.Connection
	mu      sync.RWMutex
}

// Hub is the room registry. A room is present iff it has at least one member:
// it is created by the first Join and deleted by the Leave that empties it.
// Lock order is hub before room.
type Hub struct {
	rooms   map[string]*room
	mu      sync.RWMutex
	newDoc  document.Factory
	metrics *metrics.Metrics
}

type Option func(*Hub)

// WithDocumentFactory sets how room documents are created.
func WithDocumentFactory(f document.Factory) Option {
	return func(h *Hub) {
		h.newDoc = f
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) {
		h.metrics = m
	}
}

func New(opts ...Option) *Hub {
	h := &Hub{
		rooms:  make(map[string]*room),
		newDoc: document.NewLog,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ensureRoom must be called with h.mu held for writing.
func (h *Hub) ensureRoom(id string) *room {
	r, exists := h.rooms[id]
	if !exists {
		r = &room{
			id:      id,
			doc:     h.newDoc(),
			clients: make(map[string]domain.Connection),
		}
		h.rooms[id] = r
		h.metrics.RoomCreated()
		slog.Debug("room created", "room", id)
	}
	return r
}

func (h *Hub) lookup(id string) *room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[id]
}

// Join adds conn to its room, creating the room if needed. welcome runs under
// the room lock before conn becomes visible to broadcasts, so anything it
// sends reaches conn ahead of every relayed frame.
func (h *Hub) Join(conn domain.Connection, welcome func(doc document.Document)) {
	h.mu.Lock()
	r := h.ensureRoom(conn.Room())
	r.mu.Lock()
	h.mu.Unlock()

	if welcome != nil {
		welcome(r.doc)
	}
	if _, exists := r.clients[conn.ID()]; !exists {
		h.metrics.SessionOpened()
	}
	r.clients[conn.ID()] = conn
	count := len(r.clients)
	r.mu.Unlock()

	slog.Info("client connected", "room", conn.Room(), "clientId", conn.ID(), "clients", count)
}

// Leave removes conn from its room and deletes the room once it is empty.
// Leaving twice is a no-op.
func (h *Hub) Leave(conn domain.Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, exists := h.rooms[conn.Room()]
	if !exists {
		return
	}

	r.mu.Lock()
	_, member := r.clients[conn.ID()]
	delete(r.clients, conn.ID())
	count := len(r.clients)
	r.mu.Unlock()

	if !member {
		return
	}
	h.metrics.SessionClosed()
	slog.Info("client disconnected", "room", conn.Room(), "clientId", conn.ID(), "clients", count)

	if count == 0 {
		delete(h.rooms, conn.Room())
		h.metrics.RoomDeleted()
		slog.Info("room removed", "room", conn.Room())
	}
}

// Apply applies update to the sender's room document and relays frame to the
// other members while still holding the room lock. Frames from a session that
// already left are ignored.
func (h *Hub) Apply(sender domain.Connection, update, frame []byte) error {
	r := h.lookup(sender.Room())
	if r == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, member := r.clients[sender.ID()]; !member {
		return nil
	}
	if err := r.doc.ApplyUpdate(update); err != nil {
		return err
	}
	h.fanout(r, sender, frame)
	return nil
}

// Broadcast relays frame to every member of the sender's room except the
// sender.
func (h *Hub) Broadcast(sender domain.Connection, frame []byte) {
	r := h.lookup(sender.Room())
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, member := r.clients[sender.ID()]; !member {
		return
	}
	h.fanout(r, sender, frame)
}

// fanout is best-effort: a failed Send is counted and skipped, never retried.
// The caller holds r.mu.
func (h *Hub) fanout(r *room, sender domain.Connection, frame []byte) {
	for id, conn := range r.clients {
		if id == sender.ID() {
			continue
		}
		if err := conn.Send(frame); err != nil {
			h.metrics.SendFailed()
			slog.Debug("send skipped", "room", r.id, "clientId", id, "error", err)
			continue
		}
		h.metrics.Delivered()
	}
}

// StateVector returns the state vector of the room's document, or nil when
// the room does not exist.
func (h *Hub) StateVector(id string) []byte {
	r := h.lookup(id)
	if r == nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doc.EncodeStateVector()
}

// Sessions returns every connected session across all rooms.
func (h *Hub) Sessions() []domain.Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var sessions []domain.Connection
	for _, r := range h.rooms {
		r.mu.RLock()
		for _, conn := range r.clients {
			sessions = append(sessions, conn)
		}
		r.mu.RUnlock()
	}
	return sessions
}

func (h *Hub) Stats() (rooms, clients int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rooms = len(h.rooms)
	for _, r := range h.rooms {
		r.mu.RLock()
		clients += len(r.clients)
		r.mu.RUnlock()
	}
	return rooms, clients
}

// RoomCount is the member count of one room.
type RoomCount struct {
	Room    string `json:"room"`
	Members int    `json:"members"`
}

// RoomCounts returns the member count of every room, sorted by room id.
func (h *Hub) RoomCounts() []RoomCount {
	h.mu.RLock()
	counts := make([]RoomCount, 0, len(h.rooms))
	for id, r := range h.rooms {
		r.mu.RLock()
		counts = append(counts, RoomCount{Room: id, Members: len(r.clients)})
		r.mu.RUnlock()
	}
	h.mu.RUnlock()

	sort.Slice(counts, func(i, j int) bool { return counts[i].Room < counts[j].Room })
	return counts
}
