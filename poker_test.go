package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Seednode/pointbox/protocol"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const readWait = 2 * time.Second

func newTestServer(t *testing.T) string {
	t.Helper()

	cfg := &Config{idleTimeout: time.Minute}
	rooms := newRooms()
	conns := newConnections()
	gateway := newGateway(cfg, rooms, conns, newMetrics(rooms, conns))

	mux := httprouter.New()
	registerPoker(cfg, "/poker", mux, gateway)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, base, roomID, username string) *websocket.Conn {
	t.Helper()

	ws, resp, err := websocket.DefaultDialer.Dial(base+"/poker/"+roomID+"/ws?username="+username, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })

	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(readWait)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)

	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))

	return env
}

func unmarshalData(t *testing.T, env protocol.Envelope, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, dst))
}

func writeEnvelope(t *testing.T, ws *websocket.Conn, typ string, data any) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, protocol.Encode(typ, data)))
}

func TestJoinHandshake(t *testing.T) {
	base := newTestServer(t)

	alice := dial(t, base, "room1", "alice")

	env := readEnvelope(t, alice)
	require.Equal(t, protocol.TypeJoinRoomSuccess, env.Type)

	var snapshot struct {
		Participants map[string]*string `json:"participants"`
		Admin        string             `json:"admin"`
		Locked       bool               `json:"locked"`
	}
	unmarshalData(t, env, &snapshot)
	assert.Equal(t, "alice", snapshot.Admin)
	assert.False(t, snapshot.Locked)
	assert.Equal(t, map[string]*string{"alice": nil}, snapshot.Participants)

	bob := dial(t, base, "room1", "bob")

	// Existing members hear about the join...
	env = readEnvelope(t, alice)
	require.Equal(t, protocol.TypeUserJoined, env.Type)

	var joined struct {
		Username string `json:"username"`
	}
	unmarshalData(t, env, &joined)
	assert.Equal(t, "bob", joined.Username)

	// ...and the joiner gets the full snapshot.
	env = readEnvelope(t, bob)
	require.Equal(t, protocol.TypeJoinRoomSuccess, env.Type)
	unmarshalData(t, env, &snapshot)
	assert.Equal(t, "alice", snapshot.Admin)
	assert.Len(t, snapshot.Participants, 2)
}

func TestDuplicateUsernameRejectedBeforeUpgrade(t *testing.T) {
	base := newTestServer(t)

	dial(t, base, "room1", "alice")

	_, resp, err := websocket.DefaultDialer.Dial(base+"/poker/room1/ws?username=alice", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMissingUsernameRejected(t *testing.T) {
	base := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(base+"/poker/room1/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVoteBroadcastAndReveal(t *testing.T) {
	base := newTestServer(t)

	alice := dial(t, base, "room1", "alice")
	readEnvelope(t, alice) // joinRoomSuccess

	bob := dial(t, base, "room1", "bob")
	readEnvelope(t, alice) // userJoined
	readEnvelope(t, bob)   // joinRoomSuccess

	writeEnvelope(t, bob, protocol.TypeSubmitVote, struct {
		Vote string `json:"vote"`
	}{Vote: "3"})

	// Before reveal, the rest of the room sees only the mask.
	env := readEnvelope(t, alice)
	require.Equal(t, protocol.TypeUserVoted, env.Type)

	var voted struct {
		Username string  `json:"username"`
		Vote     *string `json:"vote"`
	}
	unmarshalData(t, env, &voted)
	assert.Equal(t, "bob", voted.Username)
	require.NotNil(t, voted.Vote)
	assert.Equal(t, "?", *voted.Vote)

	writeEnvelope(t, alice, protocol.TypeRevealVotes, nil)

	var status struct {
		Revealed bool               `json:"revealed"`
		Votes    map[string]*string `json:"votes"`
	}

	for _, ws := range []*websocket.Conn{alice, bob} {
		env = readEnvelope(t, ws)
		require.Equal(t, protocol.TypeVoteStatus, env.Type)
		unmarshalData(t, env, &status)
		assert.True(t, status.Revealed)
		require.NotNil(t, status.Votes["bob"])
		assert.Equal(t, "3", *status.Votes["bob"])
		assert.Nil(t, status.Votes["alice"])
	}
}

func TestNonAdminCannotReveal(t *testing.T) {
	base := newTestServer(t)

	alice := dial(t, base, "room1", "alice")
	readEnvelope(t, alice)

	bob := dial(t, base, "room1", "bob")
	readEnvelope(t, alice)
	readEnvelope(t, bob)

	writeEnvelope(t, bob, protocol.TypeRevealVotes, nil)

	env := readEnvelope(t, bob)
	require.Equal(t, protocol.TypeError, env.Type)

	var reply struct {
		Message string `json:"message"`
	}
	unmarshalData(t, env, &reply)
	assert.Equal(t, ErrNotAdmin.Error(), reply.Message)
}

func TestLockBlocksVotes(t *testing.T) {
	base := newTestServer(t)

	alice := dial(t, base, "room1", "alice")
	readEnvelope(t, alice)

	bob := dial(t, base, "room1", "bob")
	readEnvelope(t, alice)
	readEnvelope(t, bob)

	writeEnvelope(t, alice, protocol.TypeLockVotes, nil)

	var lockStatus struct {
		Locked bool `json:"locked"`
	}
	for _, ws := range []*websocket.Conn{alice, bob} {
		env := readEnvelope(t, ws)
		require.Equal(t, protocol.TypeVoteLockStatus, env.Type)
		unmarshalData(t, env, &lockStatus)
		assert.True(t, lockStatus.Locked)
	}

	writeEnvelope(t, bob, protocol.TypeSubmitVote, struct {
		Vote string `json:"vote"`
	}{Vote: "3"})

	env := readEnvelope(t, bob)
	require.Equal(t, protocol.TypeError, env.Type)

	var reply struct {
		Message string `json:"message"`
	}
	unmarshalData(t, env, &reply)
	assert.Equal(t, ErrVotesLocked.Error(), reply.Message)
}

func TestRemoveParticipant(t *testing.T) {
	base := newTestServer(t)

	alice := dial(t, base, "room1", "alice")
	readEnvelope(t, alice)

	bob := dial(t, base, "room1", "bob")
	readEnvelope(t, alice)
	readEnvelope(t, bob)

	writeEnvelope(t, alice, protocol.TypeRemoveParticipant, struct {
		Participant string `json:"participant"`
	}{Participant: "bob"})

	// The victim learns who removed them, then the socket closes with the
	// reserved reason that forbids reconnection.
	env := readEnvelope(t, bob)
	require.Equal(t, protocol.TypeYouWereRemoved, env.Type)

	var removed struct {
		RemovedBy string `json:"removedBy"`
	}
	unmarshalData(t, env, &removed)
	assert.Equal(t, "alice", removed.RemovedBy)

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(readWait)))
	_, _, err := bob.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, protocol.RemovedReason, closeErr.Text)

	// The rest of the room sees a departure.
	env = readEnvelope(t, alice)
	require.Equal(t, protocol.TypeUserLeft, env.Type)

	var left struct {
		Username string `json:"username"`
	}
	unmarshalData(t, env, &left)
	assert.Equal(t, "bob", left.Username)
}

func TestAdminDepartureClosesRoom(t *testing.T) {
	base := newTestServer(t)

	alice := dial(t, base, "room1", "alice")
	readEnvelope(t, alice)

	bob := dial(t, base, "room1", "bob")
	readEnvelope(t, alice)
	readEnvelope(t, bob)

	require.NoError(t, alice.Close())

	env := readEnvelope(t, bob)
	require.Equal(t, protocol.TypeRoomClosed, env.Type)

	var closed struct {
		Reason string `json:"reason"`
	}
	unmarshalData(t, env, &closed)
	assert.Equal(t, "Admin left the room", closed.Reason)

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(readWait)))
	_, _, err := bob.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)

	// The identifier is free again; the next joiner gets a fresh room.
	carol := dial(t, base, "room1", "carol")
	env = readEnvelope(t, carol)
	require.Equal(t, protocol.TypeJoinRoomSuccess, env.Type)

	var snapshot struct {
		Admin string `json:"admin"`
	}
	unmarshalData(t, env, &snapshot)
	assert.Equal(t, "carol", snapshot.Admin)
}

func TestMemberDepartureBroadcastsUserLeft(t *testing.T) {
	base := newTestServer(t)

	alice := dial(t, base, "room1", "alice")
	readEnvelope(t, alice)

	bob := dial(t, base, "room1", "bob")
	readEnvelope(t, alice)
	readEnvelope(t, bob)

	require.NoError(t, bob.Close())

	env := readEnvelope(t, alice)
	require.Equal(t, protocol.TypeUserLeft, env.Type)

	var left struct {
		Username string `json:"username"`
	}
	unmarshalData(t, env, &left)
	assert.Equal(t, "bob", left.Username)
}

func TestUnknownTypeIsNonFatal(t *testing.T) {
	base := newTestServer(t)

	alice := dial(t, base, "room1", "alice")
	readEnvelope(t, alice)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"launchMissiles"}`)))

	env := readEnvelope(t, alice)
	require.Equal(t, protocol.TypeError, env.Type)

	var reply struct {
		Message string `json:"message"`
	}
	unmarshalData(t, env, &reply)
	assert.Equal(t, "Unknown message type", reply.Message)

	// The connection survives the rejected frame.
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(protocol.KeepAlive)))
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(readWait)))
	_, raw, err := alice.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, protocol.KeepAliveReply, string(raw))
}

func TestMalformedJSONIsNonFatal(t *testing.T) {
	base := newTestServer(t)

	alice := dial(t, base, "room1", "alice")
	readEnvelope(t, alice)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("definitely not json")))

	env := readEnvelope(t, alice)
	require.Equal(t, protocol.TypeError, env.Type)

	var reply struct {
		Message string `json:"message"`
	}
	unmarshalData(t, env, &reply)
	assert.Equal(t, "Invalid message format. Please send valid JSON.", reply.Message)
}

func TestRedirectToFreshRoom(t *testing.T) {
	base := newTestServer(t)
	httpBase := "http" + strings.TrimPrefix(base, "ws")

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Get(httpBase + "/poker")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)

	location := resp.Header.Get("Location")
	require.NotEmpty(t, location)
	assert.Len(t, strings.TrimPrefix(location, "/poker/"), roomIDLength)
}
