package relay

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultHeartbeatInterval is how often the channel pings the relay.
	DefaultHeartbeatInterval = 30 * time.Second
	// shortReconnectDelay is the delay before the first reconnect attempt
	// after an abnormal close.
	shortReconnectDelay = 3 * time.Second
	// maxBackoff caps the exponential backoff between reconnect attempts.
	maxBackoff = 2 * time.Minute
	// authFailureDelay is the long delay applied when re-authentication
	// fails, to avoid hammering an unauthenticated endpoint.
	authFailureDelay = 30 * time.Second
	// maxReconnectAttempts limits consecutive reconnect retries. The
	// periodic health check can still trigger ForceReconnect afterwards.
	maxReconnectAttempts = 10
)

// Relay-specific close codes signalling an authentication problem.
const (
	closeCodeAuthExpired = 4401
	closeCodeAuthRevoked = 4403
)

// Conn abstracts the WebSocket connection methods the channel uses,
// enabling test mocks.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

// Dialer opens a WebSocket connection to the relay endpoint. The returned
// *http.Response carries the handshake status on failure (may be nil).
type Dialer func(ctx context.Context, url string, header http.Header) (Conn, *http.Response, error)

func defaultDialer(ctx context.Context, url string, header http.Header) (Conn, *http.Response, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, resp, err
	}
	return conn, resp, nil
}

// Handler receives normalized inbound messages from the channel.
type Handler func(msg Message)

// AuthErrorHandler is invoked when the relay rejects the channel's
// credentials. It should re-authenticate and install fresh credentials
// via SetCredentials before returning nil.
type AuthErrorHandler func(ctx context.Context) error

// Channel is the persistent bidirectional connection to the relay service.
// It owns its heartbeat and reconnect timers: Close cancels both before
// closing the socket, so no reconnect can race a shutdown.
type Channel struct {
	url               string
	deviceName        string
	dialer            Dialer
	heartbeatInterval time.Duration
	out               io.Writer

	mu            sync.Mutex
	pairingCode   string
	deviceToken   string
	handler       Handler
	onAuthError   AuthErrorHandler
	onConnect     func()
	onDisconnect  func(reason string)
	conn          Conn
	connected     bool
	connecting    bool
	closed        bool
	gen           int // connection generation; stale read loops check it
	attempts      int
	reconnectTim  *time.Timer
	heartbeatStop chan struct{}
	lastPong      time.Time

	writeMu sync.Mutex
}

// ChannelOpts holds parameters for creating a Channel.
type ChannelOpts struct {
	URL               string
	DeviceName        string
	HeartbeatInterval time.Duration // defaults to DefaultHeartbeatInterval
	Dialer            Dialer        // for testing; defaults to gorilla dialer
	OnConnect         func()        // optional connection audit hook
	OnDisconnect      func(reason string)
	Out               io.Writer // defaults to os.Stdout
}

// NewChannel creates a Channel.
func NewChannel(opts ChannelOpts) (*Channel, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("relay: channel: url is required")
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = defaultDialer
	}
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Channel{
		url:               opts.URL,
		deviceName:        opts.DeviceName,
		dialer:            dialer,
		heartbeatInterval: interval,
		onConnect:         opts.OnConnect,
		onDisconnect:      opts.OnDisconnect,
		out:               out,
	}, nil
}

// SetHandler installs the inbound message callback. Must be set before
// Connect for messages not to be dropped.
func (c *Channel) SetHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// SetAuthErrorHandler installs the re-authentication callback.
func (c *Channel) SetAuthErrorHandler(h AuthErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAuthError = h
}

// SetCredentials installs the pairing code and device token used for the
// next dial. Safe to call from the auth error handler.
func (c *Channel) SetCredentials(pairingCode, deviceToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pairingCode = pairingCode
	c.deviceToken = deviceToken
}

// IsConnected reports whether the channel currently holds an open socket.
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect dials the relay and starts the read and heartbeat loops. A
// handshake rejected with 401/403 triggers the auth error flow and the
// dial error is returned. At most one dial is ever in flight: overlapping
// reconnect paths (a pending timer plus a health-check force) must not
// install two connections.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("relay: channel already closed")
	}
	if c.connected || c.connecting {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	header := http.Header{}
	if c.deviceToken != "" {
		header.Set("Authorization", "Bearer "+c.deviceToken)
	}
	if c.pairingCode != "" {
		header.Set("X-Pairing-Code", c.pairingCode)
	}
	if c.deviceName != "" {
		header.Set("X-Device-Name", c.deviceName)
	}
	url := c.url
	c.mu.Unlock()

	conn, resp, err := c.dialer(ctx, url, header)
	if err != nil {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			c.handleAuthFailure()
		}
		return fmt.Errorf("relay: dial %s: %w", url, err)
	}

	c.mu.Lock()
	c.connecting = false
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("relay: channel already closed")
	}
	c.conn = conn
	c.connected = true
	c.attempts = 0
	c.gen++
	gen := c.gen
	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.mu.Unlock()

	fmt.Fprintf(c.out, "relay: connected to %s\n", url)
	if c.onConnect != nil {
		c.onConnect()
	}

	go c.readLoop(conn, gen)
	go c.heartbeatLoop(stop)

	// Initial ping announces the device to the relay immediately.
	if err := c.Send(newPing()); err != nil {
		log.Printf("relay: initial ping: %v", err)
	}
	return nil
}

// Send writes a message to the relay. Writes are serialized; gorilla
// connections support only one concurrent writer.
func (c *Channel) Send(msg Message) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return fmt.Errorf("relay: not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("relay: send %s: %w", msg.Type, err)
	}
	return nil
}

// ForceReconnect tears down the current socket (if any) and immediately
// attempts a fresh connection. Used by the external health check.
func (c *Channel) ForceReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.mu.Unlock()

	fmt.Fprintf(c.out, "relay: forcing reconnect\n")
	go c.reconnect()
}

// Close shuts the channel down permanently. It cancels the pending
// reconnect timer and the heartbeat before closing the socket, so a
// concurrent reconnect cannot resurrect the connection.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.teardownLocked()
	return nil
}

// teardownLocked cancels the pending reconnect timer, stops the heartbeat,
// and closes the socket. Caller holds mu.
func (c *Channel) teardownLocked() {
	if c.reconnectTim != nil {
		c.reconnectTim.Stop()
		c.reconnectTim = nil
	}
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.gen++
}

// readLoop pumps inbound messages until the connection drops. gen guards
// against a stale loop reporting errors for a connection that was already
// replaced.
func (c *Channel) readLoop(conn Conn, gen int) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			c.handleReadError(gen, err)
			return
		}
		c.handleInbound(msg)
	}
}

// handleReadError reacts to a dropped connection: auth-flavored closes go
// through re-authentication, everything else schedules a plain reconnect.
func (c *Channel) handleReadError(gen int, err error) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.mu.Unlock()

	log.Printf("relay: connection lost: %v", err)
	if c.onDisconnect != nil {
		c.onDisconnect(err.Error())
	}

	if isAuthCloseError(err) {
		c.handleAuthFailure()
		return
	}
	c.scheduleReconnect(shortReconnectDelay)
}

// isAuthCloseError reports whether the relay closed the connection for an
// authentication reason.
func isAuthCloseError(err error) bool {
	return websocket.IsCloseError(err,
		closeCodeAuthExpired,
		closeCodeAuthRevoked,
		websocket.ClosePolicyViolation,
	)
}

// handleAuthFailure runs the re-authentication callback. Success schedules
// a quick reconnect with the refreshed credentials; failure (or no
// callback) backs off to the long delay.
func (c *Channel) handleAuthFailure() {
	c.mu.Lock()
	onAuthError := c.onAuthError
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	if onAuthError == nil {
		log.Printf("relay: auth failure with no re-auth handler, retrying in %s", authFailureDelay)
		c.scheduleReconnect(authFailureDelay)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := onAuthError(ctx); err != nil {
		log.Printf("relay: re-authentication failed: %v (retrying in %s)", err, authFailureDelay)
		c.scheduleReconnect(authFailureDelay)
		return
	}
	fmt.Fprintf(c.out, "relay: credentials refreshed\n")
	c.scheduleReconnect(shortReconnectDelay)
}

// scheduleReconnect arms the reconnect timer, replacing any pending one.
func (c *Channel) scheduleReconnect(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.reconnectTim != nil {
		c.reconnectTim.Stop()
	}
	c.reconnectTim = time.AfterFunc(delay, c.reconnect)
}

// reconnect performs one reconnect attempt, backing off exponentially on
// repeated failures up to maxReconnectAttempts.
func (c *Channel) reconnect() {
	c.mu.Lock()
	if c.closed || c.connected {
		c.mu.Unlock()
		return
	}
	c.reconnectTim = nil
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	if attempt > maxReconnectAttempts {
		log.Printf("relay: giving up after %d reconnect attempts (health check may retry)", maxReconnectAttempts)
		c.mu.Lock()
		c.attempts = 0
		c.mu.Unlock()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		delay := backoffForAttempt(attempt)
		log.Printf("relay: reconnect attempt %d failed: %v (next in %s)", attempt, err, delay)
		c.scheduleReconnect(delay)
	}
}

// backoffForAttempt returns the exponential backoff for the given attempt,
// capped at maxBackoff.
func backoffForAttempt(attempt int) time.Duration {
	d := time.Duration(float64(shortReconnectDelay) * math.Pow(2, float64(attempt-1)))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// heartbeatLoop pings the relay on a fixed interval until stopped.
func (c *Channel) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.Send(newPing()); err != nil {
				log.Printf("relay: heartbeat: %v", err)
			}
		}
	}
}

// handleInbound classifies one inbound message. Pings are answered
// immediately, pongs refresh the liveness timestamp, commands are
// normalized, and everything else is forwarded uninterpreted.
func (c *Channel) handleInbound(msg Message) {
	switch msg.Type {
	case TypePing:
		if err := c.Send(newPong(msg.CorrelationID())); err != nil {
			log.Printf("relay: pong: %v", err)
		}
		return
	case TypePong:
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
		return
	case TypeCommand:
		msg = Normalize(msg)
	}

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}

// LastPong returns when the relay last acknowledged a heartbeat.
func (c *Channel) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}
