package notify

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"study-notify/internal/models"
	"study-notify/internal/telemetry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// session is one websocket connection joined to zero or more rooms.
// Writes are serialized with a per-session mutex because gorilla conns do
// not allow concurrent writers.
type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	rooms   map[string]struct{}
}

func (s *session) write(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Hub is the room-based publish/subscribe layer of the push channel.
// Clients join rooms keyed by owner or job id; the emitter publishes into
// those rooms. There is no offline delivery here: durability is the job
// store's responsibility.
type Hub struct {
	log zerolog.Logger

	mu       sync.RWMutex
	sessions map[*session]struct{}
	rooms    map[string]map[*session]struct{}
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:      log.With().Str("component", "hub").Logger(),
		sessions: make(map[*session]struct{}),
		rooms:    make(map[string]map[*session]struct{}),
	}
}

// ServeHTTP upgrades the request and runs the session's read pump until the
// connection drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s := &session{conn: conn, rooms: make(map[string]struct{})}

	h.mu.Lock()
	h.sessions[s] = struct{}{}
	total := len(h.sessions)
	h.mu.Unlock()
	telemetry.WebsocketSessions.Set(float64(total))
	h.log.Debug().Int("sessions", total).Msg("session connected")

	h.readPump(s)
}

func (h *Hub) readPump(s *session) {
	defer h.dropSession(s)

	for {
		var cmd Command
		if err := s.conn.ReadJSON(&cmd); err != nil {
			return
		}
		switch cmd.Action {
		case ActionSubscribe:
			if cmd.Room == "" {
				continue
			}
			h.join(s, cmd.Room)
			_ = s.write(Envelope{Type: EnvelopeSubscribed, Room: cmd.Room})
		case ActionUnsubscribe:
			if cmd.Room == "" {
				continue
			}
			h.leave(s, cmd.Room)
			_ = s.write(Envelope{Type: EnvelopeUnsubscribed, Room: cmd.Room})
		case ActionPing:
			_ = s.write(Envelope{Type: EnvelopePong})
		default:
			h.log.Debug().Str("action", cmd.Action).Msg("ignoring unknown action")
		}
	}
}

// join is idempotent: subscribing a session to a room it is already in
// changes nothing.
func (h *Hub) join(s *session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := s.rooms[room]; ok {
		return
	}
	s.rooms[room] = struct{}{}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*session]struct{})
		h.rooms[room] = members
	}
	members[s] = struct{}{}
}

func (h *Hub) leave(s *session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(s.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) dropSession(s *session) {
	h.mu.Lock()
	delete(h.sessions, s)
	for room := range s.rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, s)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	total := len(h.sessions)
	h.mu.Unlock()

	_ = s.conn.Close()
	telemetry.WebsocketSessions.Set(float64(total))
	h.log.Debug().Int("sessions", total).Msg("session disconnected")
}

// Publish delivers the event to every session currently joined to the room.
// Sessions that are gone simply miss it. Write failures drop the session;
// they never propagate to the publisher.
func (h *Hub) Publish(room string, event models.JobEvent) {
	h.mu.RLock()
	members := make([]*session, 0, len(h.rooms[room]))
	for s := range h.rooms[room] {
		members = append(members, s)
	}
	h.mu.RUnlock()

	if len(members) == 0 {
		return
	}

	env := Envelope{Type: EnvelopeJobEvent, Room: room, Event: &event}
	for _, s := range members {
		if err := s.write(env); err != nil {
			h.log.Warn().Err(err).Str("room", room).Msg("write failed, dropping session")
			h.dropSession(s)
		}
	}
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// RoomCount returns the number of rooms with at least one member.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}
