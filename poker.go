// Pointbox Planning Poker
//
// Participants join a named room over a WebSocket and cast hidden votes on
// whatever the team is estimating. The first member to join becomes the room
// admin and controls the round: revealing or hiding votes, clearing the
// board, locking submissions, transferring admin rights, and removing
// participants.
//
// Features:
// - WebSocket per room: /poker/:roomid/ws?username=<name>
// - First joiner of a fresh room becomes admin
// - Votes are masked as "?" until the admin reveals them
// - Admin can lock/unlock voting, clear the board, and kick participants
// - Duplicate usernames within a room are rejected before the upgrade
// - Admin departure ends the session for everyone
// - Literal "ping" frames are answered with "pong" and reset the idle timer
// - Random 8-char room IDs via crypto/rand, with server-side collision check
// - In-browser QR button to share the current room, backed by go-qrcode

package main

import (
	"crypto/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Seednode/pointbox/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
)

const (
	sendBufferSize = 16
	maxMessageSize = 4096
	writeTimeout   = 10 * time.Second
	roomIDLength   = 8

	roomClosedReason = "Admin left the room"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// conn is the server side of one member's session, pumping frames between
// the socket and the gateway. Outbound frames go through a buffered channel
// so broadcasts never block on a slow reader.
type conn struct {
	id     string
	ws     *websocket.Conn
	roomID string
	member string

	mu          sync.Mutex
	closed      bool
	closeReason string
	send        chan []byte

	// removed is set under the gateway mutex when an administrative removal
	// has already handled this connection's departure; the ordinary close
	// path then stays quiet.
	removed bool
}

func newConn(ws *websocket.Conn, roomID, member string) *conn {
	return &conn{
		id:     uuid.NewString(),
		ws:     ws,
		roomID: roomID,
		member: member,
		send:   make(chan []byte, sendBufferSize),
	}
}

// Send enqueues one frame without blocking. False means the connection is
// closed or hopelessly backed up.
func (c *conn) Send(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close marks the connection closed with the given close reason and lets the
// write pump flush queued frames before sending the close frame. Only the
// first call wins.
func (c *conn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	c.closeReason = reason
	close(c.send)
}

func (c *conn) writePump() {
	for msg := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.Debug().Str("conn", c.id).Err(err).Msg("write to stale socket")
			break
		}
	}

	c.mu.Lock()
	reason := c.closeReason
	c.mu.Unlock()

	frame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeTimeout))
	_ = c.ws.Close()
}

// Gateway accepts inbound connections, dispatches decoded messages to the
// room registry, and fans resulting frames out through the connection
// registry. A single mutex serializes every session event (open, message,
// close) so each registry mutation runs to completion before its broadcast,
// with no interleaving between members.
type Gateway struct {
	cfg     *Config
	rooms   *Rooms
	conns   *Connections
	metrics *Metrics

	mu sync.Mutex
}

func newGateway(cfg *Config, rooms *Rooms, conns *Connections, metrics *Metrics) *Gateway {
	return &Gateway{
		cfg:     cfg,
		rooms:   rooms,
		conns:   conns,
		metrics: metrics,
	}
}

// serveWS runs the upgrade handshake. Both identifiers are mandatory and the
// room registry must accept the join before the connection ever reaches the
// Open state; a duplicate name is an HTTP 400, not a doomed socket.
func (g *Gateway) serveWS() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomID := ps.ByName("roomid")
		member := r.URL.Query().Get("username")

		if roomID == "" {
			http.Error(w, "Room ID is required", http.StatusBadRequest)
			return
		}
		if member == "" {
			http.Error(w, "Username is required", http.StatusBadRequest)
			return
		}

		g.mu.Lock()
		err := g.rooms.Join(roomID, member)
		g.mu.Unlock()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			g.mu.Lock()
			g.rooms.Leave(roomID, member)
			g.mu.Unlock()

			log.Error().Str("room", roomID).Str("member", member).Err(err).Msg("upgrade failed")
			return
		}

		c := newConn(ws, roomID, member)
		g.open(c)

		go c.writePump()
		g.readPump(c)
	}
}

// open registers the transport (superseding any prior one for the same
// member), announces the join to the rest of the room, and hands the joiner
// a full-state snapshot.
func (g *Gateway) open(c *conn) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.conns.Register(c.roomID, c.member, c)

	g.broadcastOthers(c.roomID, c.member, protocol.UserJoined(c.member))

	c.Send(protocol.JoinRoomSuccess(
		g.rooms.Votes(c.roomID),
		g.rooms.Admin(c.roomID),
		g.rooms.Locked(c.roomID),
	))

	log.Info().Str("room", c.roomID).Str("member", c.member).Str("conn", c.id).Msg("member joined")
}

func (g *Gateway) readPump(c *conn) {
	defer func() {
		c.Close("")
		g.closed(c)
	}()

	c.ws.SetReadLimit(maxMessageSize)

	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(g.cfg.idleTimeout))

		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		// Keep-alive frames carry no domain semantics; answering them here
		// just resets the idle deadline above.
		if string(raw) == protocol.KeepAlive {
			c.Send([]byte(protocol.KeepAliveReply))
			continue
		}

		g.handleMessage(c, raw)
	}
}

// handleMessage processes one inbound frame. A failure of any kind produces
// one error reply to the offending client and leaves registry state
// unchanged; it never closes the connection.
func (g *Gateway) handleMessage(c *conn, raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		g.metrics.DecodeErrors.Inc()
		log.Debug().Str("room", c.roomID).Str("member", c.member).Err(err).Msg("rejected frame")
		c.Send(protocol.ErrorMessage(err.Error()))
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.metrics.MessagesHandled.Inc()

	if err := g.dispatch(c, msg); err != nil {
		c.Send(protocol.ErrorMessage(err.Error()))
	}
}

// dispatch maps each accepted message 1:1 to a room registry operation and
// the broadcast its success implies. Callers hold the gateway mutex.
func (g *Gateway) dispatch(c *conn, msg protocol.Inbound) error {
	switch m := msg.(type) {
	case protocol.SubmitVote:
		if err := g.rooms.SubmitVote(c.roomID, c.member, m.Vote); err != nil {
			return err
		}
		vote, err := g.rooms.Vote(c.roomID, c.member)
		if err != nil {
			return err
		}
		g.broadcastOthers(c.roomID, c.member, protocol.UserVoted(c.member, vote))

	case protocol.RevealVotes:
		return g.setVisibility(c, true)

	case protocol.HideVotes:
		return g.setVisibility(c, false)

	case protocol.ClearVotes:
		if err := g.rooms.ClearVotes(c.roomID, c.member); err != nil {
			return err
		}
		g.broadcastOthers(c.roomID, c.member, protocol.VotesCleared())

	case protocol.TransferAdmin:
		if err := g.rooms.TransferAdmin(c.roomID, c.member, m.NewAdmin); err != nil {
			return err
		}
		g.broadcastAll(c.roomID, protocol.AdminTransferred(m.NewAdmin))
		log.Info().Str("room", c.roomID).Str("from", c.member).Str("to", m.NewAdmin).Msg("admin transferred")

	case protocol.LockVotes:
		return g.setLock(c, true)

	case protocol.UnlockVotes:
		return g.setLock(c, false)

	case protocol.RemoveParticipant:
		return g.removeParticipant(c, m.Participant)
	}

	return nil
}

func (g *Gateway) setVisibility(c *conn, revealed bool) error {
	if err := g.rooms.SetVisibility(c.roomID, c.member, revealed); err != nil {
		return err
	}

	g.broadcastAll(c.roomID, protocol.VoteStatus(revealed, g.rooms.Votes(c.roomID)))

	return nil
}

func (g *Gateway) setLock(c *conn, locked bool) error {
	if err := g.rooms.SetLock(c.roomID, c.member, locked); err != nil {
		return err
	}

	g.broadcastAll(c.roomID, protocol.VoteLockStatus(locked))

	return nil
}

// removeParticipant evicts target in two order-sensitive steps: domain
// membership first, then the transport. The victim's close handler is told
// to stand down so the eviction is not double-announced as a departure.
func (g *Gateway) removeParticipant(c *conn, target string) error {
	if err := g.rooms.RemoveParticipant(c.roomID, c.member, target); err != nil {
		return err
	}

	if t, ok := g.conns.Lookup(c.roomID, target); ok {
		if victim, ok := t.(*conn); ok {
			victim.removed = true
		}
	}

	g.conns.ForceRemove(c.roomID, target, c.member)
	g.metrics.Removals.Inc()

	g.broadcastAll(c.roomID, protocol.UserLeft(target))

	log.Info().Str("room", c.roomID).Str("admin", c.member).Str("target", target).Msg("participant removed")

	return nil
}

// closed runs when a transport dies from either end. It processes the
// departure unless an administrative removal already did, or unless a newer
// transport has superseded this one for the same member.
func (g *Gateway) closed(c *conn) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c.removed {
		log.Debug().Str("room", c.roomID).Str("member", c.member).Str("conn", c.id).Msg("removed connection drained")
		return
	}

	if !g.conns.UnregisterTransport(c.roomID, c.member, c) {
		log.Debug().Str("room", c.roomID).Str("member", c.member).Str("conn", c.id).Msg("superseded connection closed")
		return
	}

	wasAdmin := g.rooms.Leave(c.roomID, c.member)

	if wasAdmin {
		log.Info().Str("room", c.roomID).Str("member", c.member).Msg("admin left, closing room")

		for member, t := range g.conns.InRoom(c.roomID) {
			t.Send(protocol.RoomClosed(roomClosedReason))
			t.Close("")
			g.conns.Unregister(c.roomID, member)
		}

		return
	}

	log.Info().Str("room", c.roomID).Str("member", c.member).Msg("member left")

	g.broadcastAll(c.roomID, protocol.UserLeft(c.member))
}

func (g *Gateway) broadcastAll(roomID string, msg []byte) {
	for member, t := range g.conns.InRoom(roomID) {
		g.sendTo(roomID, member, t, msg)
	}
}

func (g *Gateway) broadcastOthers(roomID, except string, msg []byte) {
	for member, t := range g.conns.InRoom(roomID) {
		if member == except {
			continue
		}
		g.sendTo(roomID, member, t, msg)
	}
}

// sendTo treats a refused send as a dead socket: the transport is closed and
// its own close handler runs the departure path.
func (g *Gateway) sendTo(roomID, member string, t transport, msg []byte) {
	if !t.Send(msg) {
		g.metrics.BroadcastDropped.Inc()
		log.Warn().Str("room", roomID).Str("member", member).Msg("dropping unresponsive connection")
		t.Close("")
	}
}

// randomRoomID generates a crypto-random room ID without modulo bias.
func randomRoomID(n int) string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	const max = byte(255 - (256 % len(letters)))

	out := make([]byte, 0, n)
	buf := make([]byte, n*2)

	for {
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}

		for _, b := range buf {
			if b <= max {
				out = append(out, letters[int(b)%len(letters)])
				if len(out) == n {
					return string(out)
				}
			}
		}
	}
}

// newRoomID picks a random ID that no live room is using.
func (g *Gateway) newRoomID() string {
	for {
		id := randomRoomID(roomIDLength)
		if !g.rooms.Exists(id) {
			return id
		}
	}
}

// redirectNewRoom handles GET $path by redirecting to a fresh room.
func redirectNewRoom(cfg *Config, path string, g *Gateway) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		roomID := g.newRoomID()
		log.Info().Str("room", roomID).Msg("room link created")
		http.Redirect(w, r, cfg.prefix+path+"/"+roomID, http.StatusTemporaryRedirect)
	}
}

// serveRoomPage serves a minimal landing page; the real client is an
// external collaborator that only needs the WebSocket endpoint.
func serveRoomPage(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomID := ps.ByName("roomid")

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		_, _ = w.Write([]byte(newPage("pointbox", "Room "+roomID+" — connect a client to "+r.URL.Path+"/ws")))
	}
}

// qrHandler generates a PNG QR code for the current room URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	roomID := ps.ByName("roomid")
	if roomID == "" {
		http.Error(w, "missing room id", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:roomid/qr; strip trailing "/qr" to get the room URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// registerPoker sets up routes so that:
//   - $path             → redirects to a new random room (8-char ID)
//   - $path/:roomid     → landing page
//   - $path/:roomid/ws  → WebSocket for that room
//   - $path/:roomid/qr  → PNG QR code for that room URL
func registerPoker(cfg *Config, path string, mux *httprouter.Router, g *Gateway) {
	mux.GET(cfg.prefix+path, redirectNewRoom(cfg, path, g))

	mux.GET(cfg.prefix+path+"/:roomid", serveRoomPage(cfg))

	mux.GET(cfg.prefix+path+"/:roomid/ws", g.serveWS())

	mux.GET(cfg.prefix+path+"/:roomid/qr", qrHandler)
}
