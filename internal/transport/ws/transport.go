// Package ws is the websocket transport to the notification hub.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"evnotify/internal/identity"
	"evnotify/internal/live"
	logx "evnotify/pkg/logx"

	"github.com/gorilla/websocket"
)

// DefaultReconnectDelays is the automatic reconnect schedule after a
// connection drops.
var DefaultReconnectDelays = []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}

type Config struct {
	URL             string
	Protocol        string // ProtocolJSON (default) or ProtocolSignalR
	Method          string // SignalR invocation target, default ReceiveMessage
	ConnectTimeout  time.Duration
	ReconnectDelays []time.Duration
	PingInterval    time.Duration
	AuthHeader      string // header carrying "Bearer <token>"; empty disables
	TokenQuery      string // query parameter carrying the token; empty disables
}

func (c Config) withDefaults() Config {
	if c.Protocol == "" {
		c.Protocol = ProtocolJSON
	}
	if c.Method == "" {
		c.Method = "ReceiveMessage"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReconnectDelays == nil {
		c.ReconnectDelays = DefaultReconnectDelays
	}
	return c
}

var ErrStopped = errors.New("ws: transport stopped")

// Transport implements live.Transport over one websocket.
type Transport struct {
	cfg    Config
	url    string
	header http.Header
	h      live.Handlers
	log    logx.Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	state   live.TransportState
	conn    *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool

	writeMu sync.Mutex
}

// NewDialer returns a live.Dialer building transports from cfg.
func NewDialer(cfg Config, log logx.Logger) live.Dialer {
	return func(id identity.Identity, h live.Handlers) (live.Transport, error) {
		return New(cfg, id, h, log)
	}
}

func New(cfg Config, id identity.Identity, h live.Handlers, log logx.Logger) (*Transport, error) {
	cfg = cfg.withDefaults()
	if cfg.Protocol != ProtocolJSON && cfg.Protocol != ProtocolSignalR {
		return nil, fmt.Errorf("ws: unknown protocol %q", cfg.Protocol)
	}
	u, err := BuildURL(cfg.URL, id.UserID, id.Token, cfg.TokenQuery)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if cfg.AuthHeader != "" && id.Token != "" {
		header.Set(cfg.AuthHeader, "Bearer "+id.Token)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Transport{
		cfg:    cfg,
		url:    u,
		header: header,
		h:      h,
		log:    log.With(logx.Component("ws"), logx.User(id.UserID)),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
	}, nil
}

func (t *Transport) State() live.TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) setState(s live.TransportState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Transport) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Start dials the hub and starts the read loop. It is a no-op when the
// transport is already running and fails with ErrStopped after Stop.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrStopped
	}
	if t.done != nil {
		select {
		case <-t.done:
		default:
			t.mu.Unlock()
			return nil
		}
	}
	t.state = live.TransportConnecting
	t.mu.Unlock()

	conn, err := t.dial(ctx)
	if err != nil {
		t.setState(live.TransportDisconnected)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		cancel()
		_ = conn.Close()
		return ErrStopped
	}
	t.conn = conn
	t.cancel = cancel
	t.done = done
	t.state = live.TransportConnected
	t.mu.Unlock()

	t.log.Info("hub connected")
	go t.run(runCtx, conn, done)
	return nil
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()
	conn, resp, err := t.dialer.DialContext(dctx, t.url, t.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws: dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("ws: dial: %w", err)
	}
	if t.cfg.Protocol == ProtocolSignalR {
		if err := t.handshake(conn); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

func (t *Transport) handshake(conn *websocket.Conn) error {
	_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.ConnectTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, srHandshake); err != nil {
		return fmt.Errorf("ws: signalr handshake: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})
	_ = conn.SetReadDeadline(time.Now().Add(t.cfg.ConnectTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("ws: signalr handshake: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	for _, rec := range splitRecords(data) {
		var resp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(rec, &resp) == nil && resp.Error != "" {
			return fmt.Errorf("ws: signalr handshake rejected: %s", resp.Error)
		}
	}
	return nil
}

// run serves conn and, when it drops, walks the reconnect schedule.
func (t *Transport) run(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		err := t.serve(ctx, conn)
		if ctx.Err() != nil || t.isStopped() {
			return
		}

		t.setState(live.TransportReconnecting)
		t.log.Warn("hub connection lost; reconnecting", logx.Err(err))
		if t.h.OnReconnecting != nil {
			t.h.OnReconnecting(err)
		}

		next, rerr := t.reconnect(ctx)
		if next == nil {
			if ctx.Err() != nil || t.isStopped() {
				return
			}
			// Detach so a later Start begins a fresh run.
			t.mu.Lock()
			cancel := t.cancel
			t.conn, t.cancel, t.done = nil, nil, nil
			t.state = live.TransportDisconnected
			t.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			t.log.Warn("hub reconnect gave up", logx.Err(rerr))
			if t.h.OnClosed != nil {
				t.h.OnClosed(rerr)
			}
			return
		}

		t.mu.Lock()
		if t.stopped {
			t.mu.Unlock()
			_ = next.Close()
			return
		}
		t.conn = next
		t.state = live.TransportConnected
		t.mu.Unlock()
		conn = next
		t.log.Info("hub reconnected")
		if t.h.OnReconnected != nil {
			t.h.OnReconnected()
		}
	}
}

func (t *Transport) reconnect(ctx context.Context) (*websocket.Conn, error) {
	lastErr := errors.New("ws: no reconnect attempts configured")
	for i, d := range t.cfg.ReconnectDelays {
		if d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		conn, err := t.dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		t.log.Debug("hub reconnect attempt failed", logx.Int("attempt", i+1), logx.Err(err))
	}
	return nil, lastErr
}

// serve reads frames until the connection fails.
func (t *Transport) serve(ctx context.Context, conn *websocket.Conn) error {
	stopPing := make(chan struct{})
	defer close(stopPing)
	defer conn.Close()

	if t.cfg.PingInterval > 0 {
		wait := 2*t.cfg.PingInterval + t.cfg.ConnectTimeout
		_ = conn.SetReadDeadline(time.Now().Add(wait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wait))
		})
		go t.pingLoop(conn, stopPing)
	}

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("ws: closed by hub: %w", err)
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if t.cfg.PingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(2*t.cfg.PingInterval + t.cfg.ConnectTimeout))
		}
		if err := t.deliver(data); err != nil {
			return err
		}
	}
}

func (t *Transport) deliver(data []byte) error {
	if t.h.OnMessage == nil || t.isStopped() {
		return nil
	}
	if t.cfg.Protocol != ProtocolSignalR {
		t.h.OnMessage(data)
		return nil
	}
	payloads, closed, closeErr := decodeSignalR(data, t.cfg.Method)
	for _, p := range payloads {
		t.h.OnMessage(p)
	}
	if closed {
		if closeErr == "" {
			closeErr = "server closed the hub connection"
		}
		return fmt.Errorf("ws: signalr close: %s", closeErr)
	}
	return nil
}

func (t *Transport) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	tk := time.NewTicker(t.cfg.PingInterval)
	defer tk.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tk.C:
			deadline := time.Now().Add(t.cfg.ConnectTimeout)
			t.writeMu.Lock()
			var err error
			if t.cfg.Protocol == ProtocolSignalR {
				_ = conn.SetWriteDeadline(deadline)
				err = conn.WriteMessage(websocket.TextMessage, srPingFrame)
			} else {
				err = conn.WriteControl(websocket.PingMessage, nil, deadline)
			}
			t.writeMu.Unlock()
			if err != nil {
				t.log.Debug("hub ping failed", logx.Err(err))
				return
			}
		}
	}
}

// Stop closes the connection with a normal-closure frame. No callbacks
// are delivered once Stop has been called, and the transport cannot be
// started again.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	t.stopped = true
	conn, cancel, done := t.conn, t.cancel, t.done
	t.conn = nil
	t.state = live.TransportDisconnected
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second),
		)
		t.writeMu.Unlock()
		_ = conn.Close()
	}
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
