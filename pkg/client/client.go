// Package client is the Go client for a mapsync server. It maintains
// one websocket connection, sends periodic heartbeats, and transparently
// reconnects with exponential backoff when the connection drops,
// rejoining every room the caller had joined.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mapsync/pkg/protocol"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
	StateGivenUp      State = "given-up"
)

// Config controls a Client.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://host:8080/ws.
	URL      string
	UserID   string
	Username string

	// HeartbeatInterval is how often an application-level heartbeat is
	// sent while connected. Zero disables heartbeats.
	HeartbeatInterval time.Duration

	// Reconnect backoff: BaseDelay doubling per attempt up to MaxDelay.
	// MaxAttempts consecutive failures moves the client to StateGivenUp;
	// zero means retry forever.
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	// OnMessage receives every decoded server frame. Called from the
	// client's read goroutine.
	OnMessage func(*protocol.Envelope)
	// OnState observes lifecycle transitions.
	OnState func(State)
}

// Client is a reconnecting mapsync connection. Safe for concurrent use.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	rooms   map[string]bool
	lastErr error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a client. Connect starts it.
func New(cfg Config) *Client {
	return &Client{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		state:  StateDisconnected,
		rooms:  make(map[string]bool),
	}
}

// Connect dials the server and starts the connection maintenance loop.
// It returns once the first connection attempt has succeeded; if the
// first dial fails the reconnect loop takes over and Connect still
// returns the dial error.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.setState(StateConnecting)
	err := c.dial()
	if err == nil {
		c.setState(StateConnected)
	}

	go c.run()
	return err
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the terminal error after StateGivenUp.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Join enters a room. The membership is remembered and re-established
// after every reconnect until Leave is called.
func (c *Client) Join(room string) error {
	c.mu.Lock()
	c.rooms[room] = true
	c.mu.Unlock()
	return c.Send(&protocol.Envelope{Kind: protocol.KindJoin, Room: room})
}

// Leave exits a room and forgets it for future reconnects.
func (c *Client) Leave(room string) error {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
	return c.Send(&protocol.Envelope{Kind: protocol.KindLeave, Room: room})
}

// Send encodes and writes one envelope. Fails if not currently connected.
func (c *Client) Send(env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// SendRaw writes a pre-encoded frame verbatim. Useful for exercising
// the server's legacy format handling.
func (c *Client) SendRaw(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close shuts the client down. A closed client never reconnects.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.cancel == nil || c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	cancel, done, conn := c.cancel, c.done, c.conn
	c.mu.Unlock()

	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
	c.setState(StateClosed)
	return nil
}

// run owns the connection: it reads until the connection drops, then
// reconnects with backoff, forever, until Close or MaxAttempts.
func (c *Client) run() {
	defer close(c.done)

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn != nil {
			c.serve(conn)
		}
		if c.ctx.Err() != nil {
			return
		}

		if !c.reconnect() {
			return
		}
	}
}

// serve pumps inbound frames and heartbeats for one live connection.
func (c *Client) serve(conn *websocket.Conn) {
	stopBeat := c.startHeartbeat()
	defer stopBeat()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			return
		}

		env, err := protocol.DecodeServer(raw)
		if err != nil {
			continue
		}
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(env)
		}
	}
}

// reconnect retries the dial with exponential backoff. Returns false
// when the client should stop (closed or out of attempts).
func (c *Client) reconnect() bool {
	c.setState(StateReconnecting)

	for attempt := 0; ; attempt++ {
		if c.cfg.MaxAttempts > 0 && attempt >= c.cfg.MaxAttempts {
			c.setState(StateGivenUp)
			return false
		}

		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(backoffDelay(attempt, c.cfg.BaseDelay, c.cfg.MaxDelay)):
		}

		if err := c.dial(); err != nil {
			c.mu.Lock()
			c.lastErr = err
			c.mu.Unlock()
			continue
		}

		c.setState(StateConnected)
		c.rejoin()
		return true
	}
}

// dial establishes the websocket and stores it. Does not change state.
func (c *Client) dial() error {
	url := c.cfg.URL
	sep := "?"
	if c.cfg.UserID != "" {
		url += sep + "user_id=" + c.cfg.UserID
		sep = "&"
	}
	if c.cfg.Username != "" {
		url += sep + "username=" + c.cfg.Username
	}

	conn, _, err := c.dialer.DialContext(c.ctx, url, nil)
	if err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// rejoin re-enters every remembered room after a reconnect.
func (c *Client) rejoin() {
	c.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.mu.Unlock()

	for _, room := range rooms {
		_ = c.Send(&protocol.Envelope{Kind: protocol.KindJoin, Room: room})
	}
}

func (c *Client) startHeartbeat() func() {
	if c.cfg.HeartbeatInterval <= 0 {
		return func() {}
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				_ = c.Send(&protocol.Envelope{Kind: protocol.KindHeartbeat})
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == StateClosed && s != StateClosed {
		c.mu.Unlock()
		return
	}
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed && c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}
