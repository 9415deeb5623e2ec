package main

import (
	"sync"

	"github.com/Seednode/pointbox/protocol"
)

// transport is the server-side handle of one member's live connection. The
// concrete type is *conn; tests substitute fakes.
type transport interface {
	// Send enqueues one encoded frame without blocking. A false return means
	// the connection is closed or its buffer is full; the caller treats the
	// transport as already dead.
	Send(msg []byte) bool

	// Close shuts the transport down with status 1000 and the given reason,
	// flushing queued frames first. Safe to call more than once.
	Close(reason string)
}

// Connections maps (room, member) to the live transport. It deliberately
// indexes transports, not domain state: the room registry can drop a member
// while their socket is still draining, and vice versa for no longer than
// one close operation.
type Connections struct {
	mu    sync.RWMutex
	rooms map[string]map[string]transport
}

func newConnections() *Connections {
	return &Connections{
		rooms: make(map[string]map[string]transport),
	}
}

// Register installs the mapping, creating the room bucket lazily. A prior
// transport for the same key is superseded, not merged: last registration
// wins, which makes reconnection an idempotent replacement.
func (c *Connections) Register(roomID, member string, t transport) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.rooms[roomID]
	if !ok {
		bucket = make(map[string]transport)
		c.rooms[roomID] = bucket
	}

	bucket[member] = t
}

// Unregister removes the mapping and prunes the room bucket once empty.
// Reports whether a mapping existed.
func (c *Connections) Unregister(roomID, member string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.unregisterLocked(roomID, member)
}

// UnregisterTransport removes the mapping only if t is still the registered
// transport for the key. The close handler of a superseded connection uses
// this so it cannot evict the replacement that took its place.
func (c *Connections) UnregisterTransport(roomID, member string, t transport) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.rooms[roomID]
	if !ok || bucket[member] != t {
		return false
	}

	return c.unregisterLocked(roomID, member)
}

func (c *Connections) unregisterLocked(roomID, member string) bool {
	bucket, ok := c.rooms[roomID]
	if !ok {
		return false
	}

	if _, ok := bucket[member]; !ok {
		return false
	}

	delete(bucket, member)
	if len(bucket) == 0 {
		delete(c.rooms, roomID)
	}

	return true
}

// Lookup returns the transport for (room, member), if any.
func (c *Connections) Lookup(roomID, member string) (transport, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.rooms[roomID][member]

	return t, ok
}

// InRoom returns a snapshot of the room's member→transport mapping for
// fan-out. The copy keeps broadcasts safe against concurrent registry
// mutation.
func (c *Connections) InRoom(roomID string) map[string]transport {
	c.mu.RLock()
	defer c.mu.RUnlock()

	bucket := c.rooms[roomID]
	out := make(map[string]transport, len(bucket))
	for member, t := range bucket {
		out[member] = t
	}

	return out
}

// ForceRemove tells target who removed them, closes their transport with the
// reserved administrative reason, and unregisters the mapping, in that
// order, so the victim sees the notice before the socket dies. A target that
// is already disconnected yields false rather than an error.
func (c *Connections) ForceRemove(roomID, target, removedBy string) bool {
	t, ok := c.Lookup(roomID, target)
	if !ok {
		return false
	}

	t.Send(protocol.YouWereRemoved(removedBy))
	t.Close(protocol.RemovedReason)

	return c.Unregister(roomID, target)
}

// Count reports the number of live transports across all rooms.
func (c *Connections) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := 0
	for _, bucket := range c.rooms {
		total += len(bucket)
	}

	return total
}
