package router

import (
	"log/slog"
	"sort"
	"sync"
)

// Conn is one live device connection.
type Conn interface {
	ID() string
	UserID() string
	// Send queues env for delivery. It must not block on a slow peer.
	Send(env Envelope) error
}

// Delivery counts the outcome of one broadcast.
type Delivery struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Rooms maps each user to the set of their live connections.
type Rooms struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]Conn // user id → conn id → conn
	conns  map[string]string          // conn id → user id
	logger *slog.Logger
}

// NewRooms creates an empty room map.
func NewRooms(logger *slog.Logger) *Rooms {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rooms{
		rooms:  make(map[string]map[string]Conn),
		conns:  make(map[string]string),
		logger: logger,
	}
}

// Join adds c to its user's room and returns the room size.
func (r *Rooms) Join(c Conn) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[c.UserID()]
	if !ok {
		room = make(map[string]Conn)
		r.rooms[c.UserID()] = room
	}
	room[c.ID()] = c
	r.conns[c.ID()] = c.UserID()
	return len(room)
}

// Leave removes a connection. It returns the user it belonged to and
// the remaining room size; ok is false for unknown connections.
func (r *Rooms) Leave(connID string) (userID string, remaining int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok = r.conns[connID]
	if !ok {
		return "", 0, false
	}
	delete(r.conns, connID)
	room := r.rooms[userID]
	delete(room, connID)
	if len(room) == 0 {
		delete(r.rooms, userID)
	}
	return userID, len(room), true
}

// Lookup resolves the user behind a connection.
func (r *Rooms) Lookup(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.conns[connID]
	return userID, ok
}

// Members returns a snapshot of the user's connections, ordered by id.
func (r *Rooms) Members(userID string) []Conn {
	r.mu.RLock()
	room := r.rooms[userID]
	out := make([]Conn, 0, len(room))
	for _, c := range room {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Counts returns the number of rooms and connections.
func (r *Rooms) Counts() (rooms, conns int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms), len(r.conns)
}

// Broadcast sends env to every connection in the user's room at the
// time of the call. A failed send is logged and counted; it does not
// stop delivery to the other members.
func (r *Rooms) Broadcast(userID string, env Envelope) Delivery {
	members := r.Members(userID)
	d := Delivery{Attempted: len(members)}
	for _, c := range members {
		if err := c.Send(env); err != nil {
			d.Failed++
			r.logger.Warn("delivery failed",
				"user_id", userID,
				"conn_id", c.ID(),
				"event", env.Event,
				"request_id", env.RequestID,
				"error", err,
			)
			continue
		}
		d.Delivered++
	}
	return d
}
