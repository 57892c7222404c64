package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// mock connection
// ---------------------------------------------------------------------------

// mockConn is a scripted Conn. Inbound messages are pushed via Deliver;
// ReadJSON blocks until a message or a terminal error arrives.
type mockConn struct {
	mu     sync.Mutex
	sent   []Message
	inbox  chan interface{} // Message or error
	closed bool
}

func newMockConn() *mockConn {
	return &mockConn{inbox: make(chan interface{}, 16)}
}

func (m *mockConn) ReadJSON(v interface{}) error {
	item, ok := <-m.inbox
	if !ok {
		return errors.New("mock conn: closed")
	}
	switch x := item.(type) {
	case error:
		return x
	case Message:
		*(v.(*Message)) = x
		return nil
	}
	return errors.New("mock conn: bad script item")
}

func (m *mockConn) WriteJSON(v interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("mock conn: write on closed conn")
	}
	m.sent = append(m.sent, v.(Message))
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.inbox)
	}
	return nil
}

// Deliver pushes an inbound message to the read loop.
func (m *mockConn) Deliver(msg Message) { m.inbox <- msg }

// Closed reports whether Close was called.
func (m *mockConn) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// FailRead makes the next ReadJSON return err.
func (m *mockConn) FailRead(err error) { m.inbox <- err }

// Sent returns a copy of everything written so far.
func (m *mockConn) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}

// LastSent returns the most recently written message.
func (m *mockConn) LastSent() (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return Message{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// waitFor polls until cond returns true or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestChannel(t *testing.T, conn *mockConn) *Channel {
	t.Helper()
	dialer := func(ctx context.Context, url string, header http.Header) (Conn, *http.Response, error) {
		return conn, nil, nil
	}
	ch, err := NewChannel(ChannelOpts{
		URL:    "wss://relay.test/ws",
		Dialer: dialer,
		Out:    new(bytes.Buffer),
	})
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	return ch
}

// ---------------------------------------------------------------------------
// constructor tests
// ---------------------------------------------------------------------------

func TestNewChannel_RequiresURL(t *testing.T) {
	_, err := NewChannel(ChannelOpts{})
	if err == nil {
		t.Fatal("expected error for missing URL")
	}
}

// ---------------------------------------------------------------------------
// connect and send tests
// ---------------------------------------------------------------------------

func TestConnect_SendsInitialPing(t *testing.T) {
	conn := newMockConn()
	ch := newTestChannel(t, conn)
	defer ch.Close()

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !ch.IsConnected() {
		t.Error("IsConnected = false after Connect")
	}

	sent := conn.Sent()
	if len(sent) != 1 || sent[0].Type != TypePing {
		t.Fatalf("expected one initial ping, got %v", sent)
	}
}

func TestConnect_SendsCredentialHeaders(t *testing.T) {
	var gotHeader http.Header
	conn := newMockConn()
	dialer := func(ctx context.Context, url string, header http.Header) (Conn, *http.Response, error) {
		gotHeader = header
		return conn, nil, nil
	}
	ch, err := NewChannel(ChannelOpts{
		URL:        "wss://relay.test/ws",
		DeviceName: "workbench",
		Dialer:     dialer,
		Out:        new(bytes.Buffer),
	})
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	defer ch.Close()
	ch.SetCredentials("ABC234", "tok-1")

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if got := gotHeader.Get("Authorization"); got != "Bearer tok-1" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer tok-1")
	}
	if got := gotHeader.Get("X-Pairing-Code"); got != "ABC234" {
		t.Errorf("X-Pairing-Code = %q, want %q", got, "ABC234")
	}
	if got := gotHeader.Get("X-Device-Name"); got != "workbench" {
		t.Errorf("X-Device-Name = %q, want %q", got, "workbench")
	}
}

func TestSend_NotConnected(t *testing.T) {
	ch := newTestChannel(t, newMockConn())
	if err := ch.Send(newPing()); err == nil {
		t.Fatal("expected error sending before Connect")
	}
}

func TestConnect_AfterCloseFails(t *testing.T) {
	ch := newTestChannel(t, newMockConn())
	ch.Close()
	if err := ch.Connect(context.Background()); err == nil {
		t.Fatal("expected error connecting a closed channel")
	}
}

// ---------------------------------------------------------------------------
// inbound routing tests
// ---------------------------------------------------------------------------

func TestInbound_PingAnsweredWithPong(t *testing.T) {
	conn := newMockConn()
	ch := newTestChannel(t, conn)
	defer ch.Close()
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	conn.Deliver(Message{ID: "ping-7", Type: TypePing})

	waitFor(t, func() bool {
		last, ok := conn.LastSent()
		return ok && last.Type == TypePong
	}, "no pong sent for inbound ping")

	last, _ := conn.LastSent()
	if last.MessageID != "ping-7" {
		t.Errorf("pong MessageID = %q, want %q", last.MessageID, "ping-7")
	}
}

func TestInbound_PongUpdatesLastPong(t *testing.T) {
	conn := newMockConn()
	ch := newTestChannel(t, conn)
	defer ch.Close()
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !ch.LastPong().IsZero() {
		t.Fatal("LastPong should start zero")
	}

	conn.Deliver(Message{Type: TypePong})

	waitFor(t, func() bool { return !ch.LastPong().IsZero() }, "LastPong not updated")
}

func TestInbound_CommandNormalizedAndForwarded(t *testing.T) {
	conn := newMockConn()
	ch := newTestChannel(t, conn)
	defer ch.Close()

	received := make(chan Message, 1)
	ch.SetHandler(func(msg Message) { received <- msg })

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Command name and correlation id buried in data, as some clients send.
	conn.Deliver(Message{
		Type: TypeCommand,
		Data: map[string]interface{}{"command": "ping", "messageId": "m-42"},
	})

	select {
	case msg := <-received:
		if msg.Command != "ping" {
			t.Errorf("Command = %q, want %q", msg.Command, "ping")
		}
		if msg.MessageID != "m-42" {
			t.Errorf("MessageID = %q, want %q", msg.MessageID, "m-42")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never received the command")
	}
}

// ---------------------------------------------------------------------------
// disconnect and close tests
// ---------------------------------------------------------------------------

func TestReadError_MarksDisconnected(t *testing.T) {
	conn := newMockConn()
	ch := newTestChannel(t, conn)
	defer ch.Close()

	var reasons []string
	var mu sync.Mutex
	ch.onDisconnect = func(reason string) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	}

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.FailRead(errors.New("broken pipe"))

	waitFor(t, func() bool { return !ch.IsConnected() }, "channel still connected after read error")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reasons) == 1
	}, "disconnect hook not invoked")
}

func TestClose_Idempotent(t *testing.T) {
	conn := newMockConn()
	ch := newTestChannel(t, conn)
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if ch.IsConnected() {
		t.Error("IsConnected = true after Close")
	}
}

func TestClose_CancelsPendingReconnect(t *testing.T) {
	var dials int
	var mu sync.Mutex
	dialer := func(ctx context.Context, url string, header http.Header) (Conn, *http.Response, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return nil, nil, errors.New("relay down")
	}
	ch, err := NewChannel(ChannelOpts{
		URL:    "wss://relay.test/ws",
		Dialer: dialer,
		Out:    new(bytes.Buffer),
	})
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}

	if err := ch.Connect(context.Background()); err == nil {
		t.Fatal("expected dial failure")
	}

	// ForceReconnect retries once immediately, then arms the backoff timer.
	ch.ForceReconnect()
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials >= 2
	}, "forced reconnect never dialed")

	ch.Close()

	mu.Lock()
	before := dials
	mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	after := dials
	mu.Unlock()
	if after != before {
		t.Errorf("dialer called %d more times after Close", after-before)
	}
}

func TestConnect_ConcurrentDialsInstallOneConnection(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var conns []*mockConn
	dialer := func(ctx context.Context, url string, header http.Header) (Conn, *http.Response, error) {
		<-release
		conn := newMockConn()
		mu.Lock()
		conns = append(conns, conn)
		mu.Unlock()
		return conn, nil, nil
	}
	ch, err := NewChannel(ChannelOpts{
		URL:    "wss://relay.test/ws",
		Dialer: dialer,
		Out:    new(bytes.Buffer),
	})
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}

	done := make(chan error, 2)
	go func() { done <- ch.Connect(context.Background()) }()
	go func() { done <- ch.Connect(context.Background()) }()

	// Let both callers reach the dial gate, then release it.
	time.Sleep(20 * time.Millisecond)
	close(release)
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}

	mu.Lock()
	dials := len(conns)
	mu.Unlock()
	if dials != 1 {
		t.Fatalf("dials = %d, want 1 (overlapping connects must not double-dial)", dials)
	}

	ch.Close()
	mu.Lock()
	defer mu.Unlock()
	for i, conn := range conns {
		if !conn.Closed() {
			t.Errorf("conn[%d] survived Channel.Close()", i)
		}
	}
}

func TestForceReconnect_CancelsPendingReconnectTimer(t *testing.T) {
	var mu sync.Mutex
	var dials int
	dialer := func(ctx context.Context, url string, header http.Header) (Conn, *http.Response, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return nil, nil, errors.New("relay down")
	}
	ch, err := NewChannel(ChannelOpts{
		URL:    "wss://relay.test/ws",
		Dialer: dialer,
		Out:    new(bytes.Buffer),
	})
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	defer ch.Close()

	// A reconnect timer is pending when the health check forces its own
	// attempt; the forced teardown must cancel it so only one dial runs.
	ch.scheduleReconnect(50 * time.Millisecond)
	ch.ForceReconnect()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials >= 1
	}, "forced reconnect never dialed")

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if dials != 1 {
		t.Errorf("dials = %d, want 1 (pending timer must be cancelled by the forced reconnect)", dials)
	}
}

// ---------------------------------------------------------------------------
// auth failure tests
// ---------------------------------------------------------------------------

func TestHandshake401_InvokesAuthHandler(t *testing.T) {
	invoked := make(chan struct{}, 1)
	dialer := func(ctx context.Context, url string, header http.Header) (Conn, *http.Response, error) {
		return nil, &http.Response{StatusCode: http.StatusUnauthorized}, errors.New("bad handshake")
	}
	ch, err := NewChannel(ChannelOpts{
		URL:    "wss://relay.test/ws",
		Dialer: dialer,
		Out:    new(bytes.Buffer),
	})
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	defer ch.Close()
	ch.SetAuthErrorHandler(func(ctx context.Context) error {
		select {
		case invoked <- struct{}{}:
		default:
		}
		return fmt.Errorf("refresh unavailable")
	})

	if err := ch.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}

	select {
	case <-invoked:
	case <-time.After(2 * time.Second):
		t.Fatal("auth error handler not invoked on 401 handshake")
	}
}

// ---------------------------------------------------------------------------
// backoff tests
// ---------------------------------------------------------------------------

func TestBackoffForAttempt(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 3 * time.Second},
		{2, 6 * time.Second},
		{3, 12 * time.Second},
		{4, 24 * time.Second},
		{5, 48 * time.Second},
		{6, 96 * time.Second},
		{7, 2 * time.Minute}, // capped
		{10, 2 * time.Minute},
	}
	for _, tt := range tests {
		if got := backoffForAttempt(tt.attempt); got != tt.want {
			t.Errorf("backoffForAttempt(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}
