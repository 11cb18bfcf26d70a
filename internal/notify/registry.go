package notify

import (
	"sort"
	"sync"
)

// subscriptionRegistry tracks the room keys a tracking session cares about.
// The active set holds rooms currently joined on a live transport; the
// pending set holds everything ever subscribed and is replayed after a
// reconnect so the session ends up with exactly its prior subscriptions.
type subscriptionRegistry struct {
	mu      sync.Mutex
	active  map[string]struct{}
	pending map[string]struct{}
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{
		active:  make(map[string]struct{}),
		pending: make(map[string]struct{}),
	}
}

// add records a subscription. Returns false when the room was already
// pending, making repeated subscribes a no-op.
func (r *subscriptionRegistry) add(room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[room]; ok {
		return false
	}
	r.pending[room] = struct{}{}
	return true
}

// remove drops the room from both sets so neither publish delivery nor
// reconnect replay resurrects it.
func (r *subscriptionRegistry) remove(room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, room)
	delete(r.pending, room)
}

// markActive records a successful join on the live transport.
func (r *subscriptionRegistry) markActive(room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[room]; ok {
		r.active[room] = struct{}{}
	}
}

// clearActive forgets all live joins, keeping pending intact for replay.
func (r *subscriptionRegistry) clearActive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = make(map[string]struct{})
}

func (r *subscriptionRegistry) isActive(room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[room]
	return ok
}

// pendingRooms returns the rooms to replay after a reconnect, sorted for
// deterministic join order.
func (r *subscriptionRegistry) pendingRooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms := make([]string, 0, len(r.pending))
	for room := range r.pending {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}
