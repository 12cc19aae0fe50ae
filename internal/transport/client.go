// Package transport is the realtime channel to the dispatch backend: one
// reconnecting WebSocket carrying JSON {"event", "data"} frames.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/rider-tracker/internal/logging"
	"github.com/example/rider-tracker/internal/models"
	"github.com/example/rider-tracker/internal/observability"
)

const (
	clientType   = "mobile-rider"
	writeTimeout = 5 * time.Second
)

// ErrNotConnected is returned by Emit while the channel is down. Nothing is
// queued; the caller's next send supersedes the dropped one.
var ErrNotConnected = errors.New("realtime channel not connected")

// Emitter sends one event over a channel.
type Emitter interface {
	Emit(event string, payload any) error
}

type Options struct {
	URL   string
	Token string

	// ReconnectAttempts bounds consecutive failed attempts before the client
	// gives up until the next Connect. A failed dial and a connection that
	// drops within StableAfter both count.
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	DialTimeout       time.Duration
	StableAfter       time.Duration

	Logger *slog.Logger
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client owns the connection and the goroutine that keeps it up.
type Client struct {
	opts   Options
	id     string
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	token   string
	room    string
	hooks   []func()
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// gorilla/websocket allows one concurrent writer
	wmu sync.Mutex
}

func NewClient(opts Options) *Client {
	if opts.ReconnectAttempts <= 0 {
		opts.ReconnectAttempts = 10
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.ReconnectDelayMax < opts.ReconnectDelay {
		opts.ReconnectDelayMax = opts.ReconnectDelay
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 20 * time.Second
	}
	if opts.StableAfter <= 0 {
		opts.StableAfter = 5 * time.Second
	}
	id := uuid.NewString()
	return &Client{
		opts:   opts,
		id:     id,
		token:  opts.Token,
		logger: logging.Component(opts.Logger, "transport").With("connection_id", id),
	}
}

// ID identifies this client to the backend across reconnects.
func (c *Client) ID() string { return c.id }

// Connect starts the connection manager. It is a no-op while the manager is
// already running, connected or not.
func (c *Client) Connect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	if c.opts.URL == "" {
		return errors.New("transport: no socket url configured")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
	return nil
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// SetToken replaces the bearer token used on the next handshake.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// SetRoom sets the rider room announced on every connect. When already
// connected the join is sent right away.
func (c *Client) SetRoom(riderID string) {
	c.mu.Lock()
	changed := c.room != riderID
	c.room = riderID
	connected := c.conn != nil
	c.mu.Unlock()

	if changed && connected && riderID != "" {
		c.join(riderID)
	}
}

// OnConnect registers fn to run after every successful (re)connect, after the
// room join.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Emit writes one event. It fails with ErrNotConnected while the channel is down.
func (c *Client) Emit(event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.logger.Debug("emit skipped, not connected", "event", event)
		return ErrNotConnected
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(outbound{Event: event, Data: payload}); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// Close stops reconnecting and closes the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if conn != nil {
		c.wmu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.wmu.Unlock()
		// unblocks the read loop; the manager closes it again on its way out
		_ = conn.Close()
	}
	<-done
	return nil
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	failures := 0
	delay := c.opts.ReconnectDelay
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
		} else {
			if !c.attach(ctx, conn) {
				_ = conn.Close()
				return
			}
			c.logger.Info("realtime channel connected")
			c.announce()

			up := time.Now()
			err = c.readLoop(conn)
			c.detach(conn)
			if ctx.Err() != nil {
				return
			}
			// a socket the server drops right away is a failed attempt too
			uptime := time.Since(up)
			if uptime >= c.opts.StableAfter {
				failures = 0
				delay = c.opts.ReconnectDelay
			} else {
				failures++
			}
			c.logger.Warn("realtime channel lost", "uptime", uptime, "error", err)
		}

		if failures >= c.opts.ReconnectAttempts {
			c.logger.Error("giving up on realtime channel", "attempts", failures, "error", err)
			return
		}
		c.logger.Warn("realtime reconnect scheduled", "attempt", failures+1, "retry_in", delay, "error", err)
		observability.TransportReconnects.Inc()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, c.opts.ReconnectDelayMax)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	header := http.Header{}
	header.Set("x-client-type", clientType)
	header.Set("x-connection-id", c.id)
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.DialTimeout, Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.DialContext(dctx, c.opts.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.opts.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	return conn, nil
}

// attach publishes conn unless the client was closed while dialing.
func (c *Client) attach(ctx context.Context, conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	c.conn = conn
	observability.TransportConnected.Set(1)
	return true
}

func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	observability.TransportConnected.Set(0)
	_ = conn.Close()
}

// announce restores server-side routing after a connect. The backend forgets
// room membership when a socket drops.
func (c *Client) announce() {
	c.mu.Lock()
	room := c.room
	hooks := append([]func(){}, c.hooks...)
	c.mu.Unlock()

	if room != "" {
		c.join(room)
	}
	for _, fn := range hooks {
		fn()
	}
}

func (c *Client) join(riderID string) {
	if err := c.Emit(models.EventJoinRider, models.JoinRider{RiderID: riderID}); err != nil {
		c.logger.Warn("room join failed", "rider_id", riderID, "error", err)
		return
	}
	c.logger.Info("joined rider room", "rider_id", riderID)
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Debug("ignoring malformed frame", "error", err)
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg inbound) {
	switch msg.Event {
	case models.EventLocationAck:
		var ack models.LocationAck
		if err := json.Unmarshal(msg.Data, &ack); err != nil {
			c.logger.Debug("malformed location ack", "error", err)
			return
		}
		if ack.Success {
			c.logger.Debug("location update acknowledged", "message", ack.Message)
		} else {
			c.logger.Warn("location update rejected by server", "message", ack.Message)
		}
	default:
		c.logger.Debug("unhandled event", "event", msg.Event)
	}
}
