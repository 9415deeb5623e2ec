// Package client implements the pointbox side of the reconnection contract:
// it keeps a (room, username) identity alive across transport loss,
// redialing with exponential backoff and jitter, and it refuses to reconnect
// once the server has removed the participant.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/Seednode/pointbox/protocol"
	"github.com/gorilla/websocket"
)

const (
	defaultBaseDelay  = time.Second
	defaultMaxDelay   = 30 * time.Second
	defaultMaxRetries = 10
	defaultKeepAlive  = 30 * time.Second

	// jitterRange bounds the random slice added to every backoff delay so a
	// burst of dropped clients does not redial in lockstep.
	jitterRange = time.Second
)

// Terminal close reasons passed to OnClosed.
const (
	ClosedRemoved   = "removed by room admin"
	ClosedRoomGone  = "room closed"
	ClosedCancelled = "cancelled"
)

// ErrNotConnected is returned by send helpers while the transport is down.
var ErrNotConnected = errors.New("client: not connected")

// Config describes one room session.
type Config struct {
	// RoomURL is the room's WebSocket endpoint,
	// e.g. ws://host/poker/myroom/ws.
	RoomURL string

	// Username is the self-declared display name, unique within the room.
	Username string

	BaseDelay  time.Duration // first retry delay, default 1s
	MaxDelay   time.Duration // backoff cap, default 30s
	MaxRetries int           // redial attempts before giving up, default 10
	KeepAlive  time.Duration // ping interval, default 30s

	// OnMessage receives every decoded server envelope.
	OnMessage func(protocol.Envelope)

	// OnClosed fires exactly once, when the session is over for good:
	// administrative removal, retries exhausted, or context cancellation.
	OnClosed func(reason string)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BaseDelay <= 0 {
		out.BaseDelay = defaultBaseDelay
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = defaultMaxDelay
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = defaultMaxRetries
	}
	if out.KeepAlive <= 0 {
		out.KeepAlive = defaultKeepAlive
	}
	return out
}

// Controller maintains one reconnecting room session.
type Controller struct {
	cfg Config

	mu sync.Mutex
	ws *websocket.Conn

	retries    int
	closedOnce sync.Once
}

func New(cfg Config) *Controller {
	return &Controller{cfg: cfg.withDefaults()}
}

// Run dials the room and services the connection until the session ends for
// good, redialing on unexpected closes. It blocks until the terminal event
// has been surfaced or ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	defer c.disconnect()

	for {
		ws, resp, err := websocket.DefaultDialer.DialContext(ctx, c.dialURL(), nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				c.closed(ClosedCancelled)
				return ctx.Err()
			}
			if !c.wait(ctx) {
				c.closed(ClosedRoomGone)
				return nil
			}
			continue
		}

		// The server accepted the handshake; the retry budget starts over.
		c.setConn(ws)
		c.retries = 0

		terminal := c.readLoop(ctx, ws)
		c.disconnect()

		if ctx.Err() != nil {
			c.closed(ClosedCancelled)
			return ctx.Err()
		}
		if terminal {
			c.closed(ClosedRemoved)
			return nil
		}

		if !c.wait(ctx) {
			c.closed(ClosedRoomGone)
			return nil
		}
	}
}

// readLoop pumps frames until the connection dies. It reports true when the
// close is terminal: the server evicted us and reconnecting is forbidden.
func (c *Controller) readLoop(ctx context.Context, ws *websocket.Conn) bool {
	stop := make(chan struct{})
	defer close(stop)
	go c.keepAlive(ctx, stop)

	removed := false

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return removed || isRemovalClose(err)
		}

		if string(raw) == protocol.KeepAliveReply {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}

		// The youWereRemoved notice can land before the close frame does;
		// remember it so the close is treated as terminal either way.
		if env.Type == protocol.TypeYouWereRemoved {
			removed = true
		}

		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(env)
		}
	}
}

// keepAlive sends the literal ping token on a ticker so the server's idle
// timer keeps resetting.
func (c *Controller) keepAlive(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			if c.ws != nil {
				_ = c.ws.WriteMessage(websocket.TextMessage, []byte(protocol.KeepAlive))
			}
			c.mu.Unlock()
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// wait sleeps for the next backoff delay. False means the retry budget is
// spent (or the context ended) and the caller must give up.
func (c *Controller) wait(ctx context.Context) bool {
	if c.retries >= c.cfg.MaxRetries {
		return false
	}

	delay := nextDelay(c.cfg.BaseDelay, c.cfg.MaxDelay, c.retries)
	c.retries++

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// nextDelay computes min(base * 2^retry, cap) plus up to a second of random
// jitter.
func nextDelay(base, ceiling time.Duration, retry int) time.Duration {
	delay := base << retry
	if delay <= 0 || delay > ceiling {
		delay = ceiling
	}
	return delay + time.Duration(rand.Int63n(int64(jitterRange)))
}

// isRemovalClose reports whether err carries the reserved administrative
// removal reason, after which reconnecting is forbidden.
func isRemovalClose(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) && ce.Text == protocol.RemovedReason
}

func (c *Controller) dialURL() string {
	return c.cfg.RoomURL + "?username=" + url.QueryEscape(c.cfg.Username)
}

func (c *Controller) setConn(ws *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws = ws
}

func (c *Controller) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil {
		_ = c.ws.Close()
		c.ws = nil
	}
}

func (c *Controller) closed(reason string) {
	c.closedOnce.Do(func() {
		if c.cfg.OnClosed != nil {
			c.cfg.OnClosed(reason)
		}
	})
}

// send writes one encoded frame, serialized against the keep-alive ticker.
func (c *Controller) send(typ string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ws == nil {
		return ErrNotConnected
	}

	return c.ws.WriteMessage(websocket.TextMessage, protocol.Encode(typ, data))
}

// SubmitVote casts (or, with an empty string, retracts) the caller's vote.
func (c *Controller) SubmitVote(vote string) error {
	return c.send(protocol.TypeSubmitVote, struct {
		Vote string `json:"vote"`
	}{Vote: vote})
}

func (c *Controller) RevealVotes() error {
	return c.send(protocol.TypeRevealVotes, nil)
}

func (c *Controller) HideVotes() error {
	return c.send(protocol.TypeHideVotes, nil)
}

func (c *Controller) ClearVotes() error {
	return c.send(protocol.TypeClearVotes, nil)
}

func (c *Controller) LockVotes() error {
	return c.send(protocol.TypeLockVotes, nil)
}

func (c *Controller) UnlockVotes() error {
	return c.send(protocol.TypeUnlockVotes, nil)
}

func (c *Controller) TransferAdmin(newAdmin string) error {
	return c.send(protocol.TypeTransferAdmin, struct {
		NewAdmin string `json:"newAdmin"`
	}{NewAdmin: newAdmin})
}

func (c *Controller) RemoveParticipant(participant string) error {
	return c.send(protocol.TypeRemoveParticipant, struct {
		Participant string `json:"participant"`
	}{Participant: participant})
}
