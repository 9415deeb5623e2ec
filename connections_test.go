package main

import (
	"encoding/json"
	"testing"

	"github.com/Seednode/pointbox/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	sent   [][]byte
	closed bool
	reason string
}

func (f *fakeTransport) Send(msg []byte) bool {
	if f.closed {
		return false
	}
	f.sent = append(f.sent, msg)
	return true
}

func (f *fakeTransport) Close(reason string) {
	if f.closed {
		return
	}
	f.closed = true
	f.reason = reason
}

func TestRegisterLookupUnregister(t *testing.T) {
	c := newConnections()

	_, ok := c.Lookup("room1", "alice")
	assert.False(t, ok)

	alice := &fakeTransport{}
	c.Register("room1", "alice", alice)

	got, ok := c.Lookup("room1", "alice")
	require.True(t, ok)
	assert.Same(t, alice, got.(*fakeTransport))
	assert.Equal(t, 1, c.Count())

	assert.True(t, c.Unregister("room1", "alice"))
	assert.False(t, c.Unregister("room1", "alice"))
	assert.Zero(t, c.Count())

	// The empty bucket is pruned, not kept as a placeholder.
	assert.Empty(t, c.InRoom("room1"))
}

func TestRegisterSupersedesPriorTransport(t *testing.T) {
	c := newConnections()

	old := &fakeTransport{}
	replacement := &fakeTransport{}

	c.Register("room1", "alice", old)
	c.Register("room1", "alice", replacement)

	got, ok := c.Lookup("room1", "alice")
	require.True(t, ok)
	assert.Same(t, replacement, got.(*fakeTransport))
	assert.Equal(t, 1, c.Count())

	// The superseded transport's close handler cannot evict its successor.
	assert.False(t, c.UnregisterTransport("room1", "alice", old))
	_, ok = c.Lookup("room1", "alice")
	assert.True(t, ok)

	assert.True(t, c.UnregisterTransport("room1", "alice", replacement))
	_, ok = c.Lookup("room1", "alice")
	assert.False(t, ok)
}

func TestInRoomSnapshot(t *testing.T) {
	c := newConnections()

	alice := &fakeTransport{}
	bob := &fakeTransport{}
	c.Register("room1", "alice", alice)
	c.Register("room1", "bob", bob)
	c.Register("room2", "carol", &fakeTransport{})

	snapshot := c.InRoom("room1")
	assert.Len(t, snapshot, 2)

	// Mutating the snapshot must not touch the registry.
	delete(snapshot, "alice")
	_, ok := c.Lookup("room1", "alice")
	assert.True(t, ok)

	assert.Equal(t, 3, c.Count())
}

func TestForceRemove(t *testing.T) {
	c := newConnections()

	bob := &fakeTransport{}
	c.Register("room1", "bob", bob)

	require.True(t, c.ForceRemove("room1", "bob", "alice"))

	// The victim was told who removed them before the close.
	require.Len(t, bob.sent, 1)

	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(bob.sent[0], &env))
	assert.Equal(t, protocol.TypeYouWereRemoved, env.Type)

	var data struct {
		RemovedBy string `json:"removedBy"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "alice", data.RemovedBy)

	assert.True(t, bob.closed)
	assert.Equal(t, protocol.RemovedReason, bob.reason)

	_, ok := c.Lookup("room1", "bob")
	assert.False(t, ok)
}

func TestForceRemoveDisconnectedTarget(t *testing.T) {
	c := newConnections()

	// Removing someone who already dropped is a failure, not a panic.
	assert.False(t, c.ForceRemove("room1", "bob", "alice"))

	bob := &fakeTransport{}
	c.Register("room1", "bob", bob)
	require.True(t, c.ForceRemove("room1", "bob", "alice"))
	assert.False(t, c.ForceRemove("room1", "bob", "alice"))
}
