package ws

import (
	"sync"
)

// registry is the process-wide mapping from story ID to the set of connected
// participants. Rooms are created lazily on first join and removed when the
// last participant leaves; the mutex makes membership changes atomic with
// respect to fan-out snapshots, so no two rooms can coexist for one story.
type registry struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]bool
}

func newRegistry() *registry {
	return &registry{
		rooms: make(map[string]map[*Client]bool),
	}
}

// add registers a participant, creating the room if needed, and returns the
// room size after the join.
func (r *registry) add(c *Client) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[c.storyID]; !ok {
		r.rooms[c.storyID] = make(map[*Client]bool)
	}
	r.rooms[c.storyID][c] = true
	return len(r.rooms[c.storyID])
}

// remove unregisters a participant and drops the room once empty. The second
// return reports whether the client was actually a member, so redundant
// teardown stays harmless.
func (r *registry) remove(c *Client) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	clients, ok := r.rooms[c.storyID]
	if !ok {
		return 0, false
	}
	if _, ok := clients[c]; !ok {
		return len(clients), false
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(r.rooms, c.storyID)
		return 0, true
	}
	return len(clients), true
}

// members returns a copy of the room's participant set so fan-out never holds
// the lock while writing to client channels.
func (r *registry) members(storyID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients, ok := r.rooms[storyID]
	if !ok {
		return nil
	}
	members := make([]*Client, 0, len(clients))
	for c := range clients {
		members = append(members, c)
	}
	return members
}

func (r *registry) roomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func (r *registry) clientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, clients := range r.rooms {
		count += len(clients)
	}
	return count
}

func (r *registry) activeRooms() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make(map[string]int, len(r.rooms))
	for id, clients := range r.rooms {
		rooms[id] = len(clients)
	}
	return rooms
}
