// Package transport owns the persistent duplex websocket connection to the
// bot: connect, single-writer sends, ordered receives, keepalive probing,
// bounded reconnect and teardown.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/voxprobe/voxprobe/pkg/metrics"
	"github.com/voxprobe/voxprobe/pkg/protocol"
)

// Session is the immutable identity of one test run's connection, produced
// by the bootstrap collaborator.
type Session struct {
	WebSocketURL string
	Token        string
	ChannelID    string
	Mode         string
	StartedAt    time.Time
}

// URL builds the connect URL with the session token and mode flag.
func (s Session) URL() (string, error) {
	u, err := url.Parse(s.WebSocketURL)
	if err != nil {
		return "", fmt.Errorf("parse websocket url %q: %w", s.WebSocketURL, err)
	}
	q := u.Query()
	q.Set("jst", s.Token)
	q.Set("mode", s.Mode)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ConnState is the connection lifecycle state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds transport timing knobs.
type Config struct {
	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
	KeepAliveInterval time.Duration
	// ProbeWindow is how long the connection may stay silent before it is
	// marked Degraded. Twice the window with no traffic tears it down.
	ProbeWindow          time.Duration
	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 30 * time.Second
	}
	if c.ProbeWindow <= 0 {
		c.ProbeWindow = 2 * c.KeepAliveInterval
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 3
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = time.Second
	}
	return c
}

// Transport is one persistent duplex connection. A single Transport serves
// exactly one run; it is not reusable after Close.
type Transport struct {
	session Session
	cfg     Config
	logger  *slog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	state      ConnState
	readClosed chan struct{}

	// writeMu serializes every outbound frame so keepalive probes never
	// interleave with a data frame mid-write.
	writeMu sync.Mutex

	frames chan protocol.Frame

	lastInbound atomic.Int64

	closeOnce     sync.Once
	closed        chan struct{}
	keepaliveOnce sync.Once
	keepaliveDone chan struct{}
}

// New builds a Transport for one session. Connect must be called before
// Send or ReceiveNext.
func New(session Session, cfg Config, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		session:       session,
		cfg:           cfg.withDefaults(),
		logger:        logger,
		state:         StateDisconnected,
		frames:        make(chan protocol.Frame, 64),
		closed:        make(chan struct{}),
		keepaliveDone: make(chan struct{}),
	}
}

// State returns the current connection state.
func (t *Transport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect opens the duplex channel and sends the initial greeting control
// frame. It may be called again after a connection loss to redial with the
// same session; Reconnect wraps that with bounded backoff.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return newError(ErrConnection, "transport is closed", nil)
	}
	if old := t.conn; old != nil {
		_ = old.Close()
		t.conn = nil
	}
	t.state = StateConnecting
	t.mu.Unlock()

	connectURL, err := t.session.URL()
	if err != nil {
		t.setState(StateDisconnected)
		return newError(ErrConnection, "invalid session endpoint", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, connectURL, nil)
	if err != nil {
		t.setState(StateDisconnected)
		return newError(ErrConnection, "dial websocket", err)
	}

	t.lastInbound.Store(time.Now().UnixNano())
	conn.SetPongHandler(func(string) error {
		t.lastInbound.Store(time.Now().UnixNano())
		return nil
	})

	readClosed := make(chan struct{})
	t.mu.Lock()
	t.conn = conn
	t.state = StateConnected
	t.readClosed = readClosed
	t.mu.Unlock()

	go t.readLoop(conn, readClosed)
	t.keepaliveOnce.Do(func() { go t.keepAlive() })

	if err := t.writeFrame(websocket.TextMessage, protocol.EncodeControl(protocol.TypeSessionGreeting), "control"); err != nil {
		return newError(ErrConnection, "send greeting", err)
	}
	t.logger.Info("websocket connected", "channel_id", t.session.ChannelID, "mode", t.session.Mode)
	return nil
}

// Reconnect redials after a connection loss, with exponential backoff up
// to the configured attempt budget. The run resumes with the same session
// token.
func (t *Transport) Reconnect(ctx context.Context) error {
	backoff := retry.WithMaxRetries(uint64(t.cfg.MaxReconnectAttempts), retry.NewExponential(t.cfg.ReconnectBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		metrics.Reconnects.Inc()
		if err := t.Connect(ctx); err != nil {
			t.logger.Warn("reconnect attempt failed", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return newError(ErrConnection, "reconnect attempts exhausted", err)
	}
	return nil
}

// SendAudio transmits one binary audio-step payload.
func (t *Transport) SendAudio(payload []byte) error {
	return t.send(websocket.BinaryMessage, payload, "audio")
}

// SendText transmits one user text turn.
func (t *Transport) SendText(text string) error {
	return t.send(websocket.TextMessage, protocol.EncodeText(text), "text")
}

// SendControl transmits a control frame such as session.disconnect.
func (t *Transport) SendControl(msgType string) error {
	return t.send(websocket.TextMessage, protocol.EncodeControl(msgType), "control")
}

func (t *Transport) send(messageType int, data []byte, kind string) error {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()
	if state != StateConnected && state != StateDegraded {
		return newError(ErrSend, fmt.Sprintf("connection is %s", state), nil)
	}
	if err := t.writeFrame(messageType, data, kind); err != nil {
		return newError(ErrSend, "write frame", err)
	}
	return nil
}

func (t *Transport) writeFrame(messageType int, data []byte, kind string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no active connection")
	}

	_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if err := conn.WriteMessage(messageType, data); err != nil {
		t.markDisconnected(conn)
		return err
	}
	metrics.FramesSent.WithLabelValues(kind).Inc()
	return nil
}

// ReceiveNext blocks until the next inbound frame, the timeout, or
// cancellation. Frames are delivered strictly in arrival order.
func (t *Transport) ReceiveNext(ctx context.Context, timeout time.Duration) (protocol.Frame, error) {
	t.mu.Lock()
	readClosed := t.readClosed
	t.mu.Unlock()
	if readClosed == nil {
		return protocol.Frame{}, newError(ErrClosed, "not connected", nil)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame := <-t.frames:
		return frame, nil
	case <-timer.C:
		return protocol.Frame{}, newError(ErrTimeout, fmt.Sprintf("no frame within %s", timeout), nil)
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	case <-t.closed:
		return protocol.Frame{}, newError(ErrClosed, "transport closed", nil)
	case <-readClosed:
		// Drain anything that arrived before the reader exited.
		select {
		case frame := <-t.frames:
			return frame, nil
		default:
			return protocol.Frame{}, newError(ErrClosed, "connection lost", nil)
		}
	}
}

func (t *Transport) readLoop(conn *websocket.Conn, readClosed chan struct{}) {
	defer close(readClosed)
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			t.markDisconnected(conn)
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug("read loop ended", "error", err)
			}
			return
		}
		t.lastInbound.Store(time.Now().UnixNano())
		metrics.FramesReceived.Inc()

		frame := protocol.Frame{MessageType: messageType, Data: data, ReceivedAt: time.Now()}
		select {
		case t.frames <- frame:
		case <-t.closed:
			return
		}
	}
}

// keepAlive emits session.ping probes on a fixed interval and tracks
// inbound silence. One silent probe window marks the connection Degraded;
// a second tears it down so the sequencer can reconnect.
func (t *Transport) keepAlive() {
	defer close(t.keepaliveDone)
	ticker := time.NewTicker(t.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
		}

		t.mu.Lock()
		state := t.state
		conn := t.conn
		t.mu.Unlock()
		if state != StateConnected && state != StateDegraded {
			continue
		}

		silence := time.Since(time.Unix(0, t.lastInbound.Load()))
		switch {
		case silence > 2*t.cfg.ProbeWindow:
			t.logger.Warn("keepalive window exhausted, dropping connection", "silence", silence)
			t.markDisconnected(conn)
			if conn != nil {
				_ = conn.Close()
			}
			continue
		case silence > t.cfg.ProbeWindow:
			t.transition(StateConnected, StateDegraded)
		default:
			t.transition(StateDegraded, StateConnected)
		}

		if err := t.writeFrame(websocket.TextMessage, protocol.EncodeControl(protocol.TypeSessionPing), "control"); err != nil {
			t.logger.Warn("keepalive probe failed", "error", err)
		}
	}
}

// Close tears the connection down. It is safe on every exit path and
// idempotent; a best-effort session.disconnect precedes the close frame.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		conn := t.conn
		wasConnected := t.state == StateConnected || t.state == StateDegraded
		t.state = StateClosed
		t.mu.Unlock()

		close(t.closed)

		if conn != nil {
			if wasConnected {
				t.writeMu.Lock()
				_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
				_ = conn.WriteMessage(websocket.TextMessage, protocol.EncodeControl(protocol.TypeSessionDisconnect))
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
				t.writeMu.Unlock()
			}
			_ = conn.Close()
		}
		t.logger.Info("websocket closed")
	})
	return nil
}

func (t *Transport) setState(state ConnState) {
	t.mu.Lock()
	if t.state != StateClosed {
		t.state = state
	}
	t.mu.Unlock()
}

// transition flips state from one value to another, leaving any other
// state untouched.
func (t *Transport) transition(from, to ConnState) {
	t.mu.Lock()
	if t.state == from {
		t.state = to
	}
	t.mu.Unlock()
}

// markDisconnected records a connection loss, but only if conn is still
// the active connection (a stale reader must not clobber a redial).
func (t *Transport) markDisconnected(conn *websocket.Conn) {
	t.mu.Lock()
	if t.conn == conn && t.state != StateClosed {
		t.state = StateDisconnected
	}
	t.mu.Unlock()
}
