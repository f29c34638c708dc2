// Package live owns the single connection to the notification hub for the
// current identity and derives the unread flag from what arrives on it.
//
// All state is owned by the goroutine running Manager.Run. Transport
// callbacks, timers and public calls only post events to it. Every event
// tied to a connection carries the generation it was issued under; the
// generation is bumped on each teardown so late callbacks from a replaced
// connection are dropped.
package live

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"evnotify/internal/chat"
	"evnotify/internal/eventbus"
	"evnotify/internal/identity"
	"evnotify/internal/metrics"
	"evnotify/internal/watermark"
	logx "evnotify/pkg/logx"

	"github.com/google/uuid"
)

var (
	ErrClosed         = errors.New("live: manager stopped")
	ErrAlreadyRunning = errors.New("live: manager already running")
)

type Config struct {
	RetryDelay           time.Duration
	ManualReconnectDelay time.Duration
	StartTimeout         time.Duration
	StopTimeout          time.Duration
	HistoryTimeout       time.Duration
	// MaxMessages caps the in-memory message log; 0 keeps everything.
	MaxMessages int
}

func (c Config) withDefaults() Config {
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.ManualReconnectDelay <= 0 {
		c.ManualReconnectDelay = 10 * time.Second
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 15 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	if c.HistoryTimeout <= 0 {
		c.HistoryTimeout = 15 * time.Second
	}
	if c.MaxMessages < 0 {
		c.MaxMessages = 0
	}
	return c
}

// Message is an inbound message with its position in the log. Seq is
// monotonic for the lifetime of the manager.
type Message struct {
	Seq int64 `json:"seq"`
	chat.Inbound
}

// Snapshot is the state exposed to UI consumers.
type Snapshot struct {
	ConnectionStatus State     `json:"connection_status"`
	IsConnected      bool      `json:"is_connected"`
	HasUnread        bool      `json:"has_unread"`
	UserID           string    `json:"user_id"`
	Watermark        string    `json:"watermark,omitempty"`
	ConnID           string    `json:"conn_id,omitempty"`
	LastSeq          int64     `json:"last_seq"`
	Messages         []Message `json:"messages,omitempty"`
}

// StateChange is the payload of eventbus.TypeLiveState.
type StateChange struct {
	From   State  `json:"from"`
	To     State  `json:"to"`
	UserID string `json:"user_id,omitempty"`
}

// Scheduler runs fn after d and returns a cancel func.
type Scheduler func(d time.Duration, fn func()) (cancel func())

func timerScheduler(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

type Option func(*Manager)

func WithHistory(src HistorySource) Option { return func(m *Manager) { m.history = src } }

func WithBus(bus eventbus.Bus) Option {
	return func(m *Manager) {
		if bus != nil {
			m.bus = bus
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithScheduler replaces time.AfterFunc for the retry and manual reconnect
// timers.
func WithScheduler(s Scheduler) Option {
	return func(m *Manager) {
		if s != nil {
			m.schedule = s
		}
	}
}

type event struct {
	kind   eventKind
	gen    uint64
	ident  identity.Identity
	err    error
	frame  []byte
	t      Transport
	latest time.Time
	found  bool
	reply  chan struct{}
}

type Manager struct {
	cfg      Config
	dial     Dialer
	wm       *watermark.Store
	history  HistorySource
	log      logx.Logger
	frameLog logx.Logger // undecodable frames, burst-limited
	bus      eventbus.Bus
	metrics  *metrics.Metrics
	schedule Scheduler

	events   chan event
	stopping chan struct{}
	done     chan struct{}
	running  atomic.Bool
	wg       sync.WaitGroup

	// owned by the Run goroutine
	ctx         context.Context
	state       State
	ident       identity.Identity
	gen         uint64
	conn        Transport
	parked      Transport // closed connection kept for the manual reconnect
	retryUsed   bool
	cancelTimer func()

	mu       sync.RWMutex
	snap     Snapshot // Messages unused; see msgs
	msgs     []Message
	lastSeq  int64
	snapUser string
}

func New(cfg Config, dial Dialer, wm *watermark.Store, log logx.Logger, opts ...Option) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if wm == nil {
		wm = watermark.New(nil, log)
	}
	m := &Manager{
		cfg:      cfg.withDefaults(),
		dial:     dial,
		wm:       wm,
		log:      log.With(logx.Component("live")),
		bus:      eventbus.Nop(),
		schedule: timerScheduler,
		events:   make(chan event, 64),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.frameLog = m.log.Burst(5, time.Minute)
	for _, o := range opts {
		o(m)
	}
	m.metrics.SetState(StateDisconnected.String(), StateDisconnected.String())
	return m
}

// Run processes events until ctx is done, then tears the connection down.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	m.ctx = ctx
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			close(m.stopping)
			m.teardown()
			m.setState(StateDisconnected)
			m.wg.Wait()
			m.log.Debug("live manager stopped")
			return nil
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

// Done is closed once Run has returned.
func (m *Manager) Done() <-chan struct{} { return m.done }

func (m *Manager) post(ev event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.stopping:
		return false
	}
}

func (m *Manager) request(ctx context.Context, ev event) error {
	ev.reply = make(chan struct{})
	select {
	case m.events <- ev:
	case <-m.stopping:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ev.reply:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetIdentity reports the current identity. An identity without a user id
// is a logout.
func (m *Manager) SetIdentity(id identity.Identity) {
	m.post(event{kind: evIdentity, ident: id})
}

// Follow forwards identities from ch until ctx is done or ch is closed.
func (m *Manager) Follow(ctx context.Context, ch <-chan identity.Identity) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case id, ok := <-ch:
			if !ok {
				return nil
			}
			m.SetIdentity(id)
		}
	}
}

// ClearUnread marks everything up to now as seen.
func (m *Manager) ClearUnread(ctx context.Context) error {
	return m.request(ctx, event{kind: evClearUnread})
}

// Reconnect replaces the current connection with a fresh one.
func (m *Manager) Reconnect(ctx context.Context) error {
	return m.request(ctx, event{kind: evReconnectRequest})
}

// Resync rescans the thread history against the watermark.
func (m *Manager) Resync() {
	m.post(event{kind: evResync})
}

func (m *Manager) handle(ev event) {
	if ev.reply != nil {
		defer close(ev.reply)
	}
	switch ev.kind {
	case evIdentity:
		m.onIdentity(ev.ident)
		return
	case evClearUnread:
		m.wm.ClearUnread(m.ctx)
		m.publishUnread()
		return
	case evResync:
		m.scanHistory()
		return
	case evReconnectRequest:
		if m.ident.LoggedIn() {
			m.metrics.Reconnect("request")
			m.log.Info("reconnect requested", logx.User(m.ident.UserID))
			m.connect(m.ident)
		}
		return
	}

	if ev.gen != m.gen {
		m.log.Debug("stale event dropped",
			logx.String("event", ev.kind.String()),
			logx.Uint64("gen", ev.gen),
			logx.Uint64("current_gen", m.gen),
		)
		if ev.kind == evStartOK && ev.t != nil {
			m.stopAsync(ev.t)
		}
		return
	}

	switch ev.kind {
	case evInbound:
		m.onInbound(ev.frame)
	case evHistory:
		if m.wm.ObserveHistory(m.ctx, ev.latest, ev.found) {
			m.metrics.Unread("history")
			m.publishUnread()
		}
	default:
		m.onLifecycle(ev)
	}
}

func (m *Manager) onIdentity(id identity.Identity) {
	prev := m.ident
	if !id.LoggedIn() {
		m.ident = id
		if !prev.LoggedIn() {
			return
		}
		m.log.Info("logged out; tearing down connection", logx.User(prev.UserID))
		m.teardown()
		m.setState(StateDisconnected)
		m.wm.Forget(m.ctx, prev.UserID)
		m.wm.SetUser(m.ctx, "")
		m.resetMessages("")
		m.publishUnread()
		return
	}

	if prev.UserID == id.UserID && prev.Token == id.Token && (m.conn != nil || m.parked != nil) {
		m.ident = id
		return
	}
	m.connect(id)
}

// connect replaces any existing connection with a new one for id.
func (m *Manager) connect(id identity.Identity) {
	m.teardown()
	if m.ident.UserID != id.UserID {
		m.wm.SetUser(m.ctx, id.UserID)
		m.resetMessages(id.UserID)
		m.publishUnread()
	}
	m.ident = id

	m.setState(StateConnecting)
	if !m.ensureConn() {
		m.onLifecycle(event{kind: evStartFailed, gen: m.gen, err: errors.New("dial failed")})
		return
	}
	m.startAsync(m.gen, m.conn)
}

func (m *Manager) ensureConn() bool {
	if m.conn != nil {
		return true
	}
	t, err := m.dial(m.ident, m.handlersFor(m.gen))
	if err != nil {
		m.log.Warn("building connection failed", logx.User(m.ident.UserID), logx.Err(err))
		return false
	}
	m.conn = t
	m.setConnID(uuid.NewString())
	return true
}

func (m *Manager) onLifecycle(ev event) {
	to, ok := nextState(m.state, ev.kind)
	if !ok {
		m.log.Debug("transition ignored",
			logx.String("state", m.state.String()),
			logx.String("event", ev.kind.String()),
		)
		return
	}

	switch ev.kind {
	case evStartOK:
		m.retryUsed = false
		m.setState(to)
		m.log.Info("connected", logx.User(m.ident.UserID), logx.String("conn_id", m.connID()))
		m.scanHistory()

	case evStartFailed:
		m.setState(to)
		if m.retryUsed {
			m.log.Warn("connection start failed; not retrying", logx.User(m.ident.UserID), logx.Err(ev.err))
			return
		}
		m.retryUsed = true
		m.log.Warn("connection start failed; retry scheduled",
			logx.User(m.ident.UserID),
			logx.Duration("delay", m.cfg.RetryDelay),
			logx.Err(ev.err),
		)
		m.after(m.cfg.RetryDelay, evRetryFire)

	case evReconnecting:
		m.setState(to)
		m.log.Warn("connection interrupted; reconnecting", logx.Err(ev.err))

	case evReconnected:
		m.setState(to)
		m.log.Info("connection resumed")
		m.scanHistory()

	case evClosed:
		m.setState(to)
		m.parked, m.conn = m.conn, nil
		m.setConnID("")
		m.log.Warn("connection closed; manual reconnect scheduled",
			logx.Duration("delay", m.cfg.ManualReconnectDelay),
			logx.Err(ev.err),
		)
		m.after(m.cfg.ManualReconnectDelay, evManualFire)

	case evRetryFire:
		m.metrics.Reconnect("retry")
		m.setState(to)
		if !m.ensureConn() {
			m.onLifecycle(event{kind: evStartFailed, gen: m.gen, err: errors.New("dial failed")})
			return
		}
		m.startAsync(m.gen, m.conn)

	case evManualFire:
		t := m.parked
		m.parked = nil
		if t == nil || t.State() != TransportDisconnected {
			m.log.Debug("manual reconnect skipped; transport not disconnected")
			if t != nil {
				m.conn = t
			}
			return
		}
		m.metrics.Reconnect("manual")
		m.conn = t
		m.setConnID(uuid.NewString())
		m.retryUsed = true
		m.setState(to)
		m.startAsync(m.gen, t)
	}
}

func (m *Manager) handlersFor(gen uint64) Handlers {
	return Handlers{
		OnMessage: func(frame []byte) {
			m.post(event{kind: evInbound, gen: gen, frame: frame})
		},
		OnReconnecting: func(err error) {
			m.post(event{kind: evReconnecting, gen: gen, err: err})
		},
		OnReconnected: func() {
			m.post(event{kind: evReconnected, gen: gen})
		},
		OnClosed: func(err error) {
			m.post(event{kind: evClosed, gen: gen, err: err})
		},
	}
}

func (m *Manager) startAsync(gen uint64, t Transport) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.StartTimeout)
		err := t.Start(ctx)
		cancel()
		if err != nil {
			m.post(event{kind: evStartFailed, gen: gen, err: err})
			return
		}
		m.post(event{kind: evStartOK, gen: gen, t: t})
	}()
}

func (m *Manager) stopAsync(t Transport) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StopTimeout)
		defer cancel()
		if err := t.Stop(ctx); err != nil {
			m.log.Debug("transport stop failed", logx.Err(err))
		}
	}()
}

// teardown discards the current connection and invalidates everything
// issued under the current generation.
func (m *Manager) teardown() {
	m.gen++
	if m.cancelTimer != nil {
		m.cancelTimer()
		m.cancelTimer = nil
	}
	for _, t := range []Transport{m.conn, m.parked} {
		if t != nil {
			m.stopAsync(t)
		}
	}
	m.conn, m.parked = nil, nil
	m.retryUsed = false
	m.setConnID("")
}

func (m *Manager) after(d time.Duration, kind eventKind) {
	if m.cancelTimer != nil {
		m.cancelTimer()
	}
	gen := m.gen
	m.cancelTimer = m.schedule(d, func() {
		m.post(event{kind: kind, gen: gen})
	})
}

func (m *Manager) scanHistory() {
	if m.history == nil || !m.ident.LoggedIn() {
		return
	}
	gen, id := m.gen, m.ident
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.HistoryTimeout)
		defer cancel()

		threads, err := m.history.GetThreadsByUserID(ctx, id.UserID, id.Token)
		if err != nil {
			m.metrics.HistoryScan("error")
			m.log.Warn("history scan failed", logx.User(id.UserID), logx.Err(err))
			return
		}
		m.metrics.HistoryScan("ok")
		latest, found := chat.LatestInbound(threads, id.UserID)
		m.log.Debug("history scanned",
			logx.User(id.UserID),
			logx.Int("threads", len(threads)),
			logx.Bool("found", found),
		)
		m.post(event{kind: evHistory, gen: gen, latest: latest, found: found})
	}()
}

func (m *Manager) onInbound(frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("inbound handling panicked; marking unread",
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			m.raiseFallback()
		}
	}()

	in, err := chat.DecodeInbound(frame)
	if err != nil {
		m.frameLog.Warn("inbound frame undecodable; marking unread", logx.Int("bytes", len(frame)), logx.Err(err))
		m.metrics.Inbound("invalid")
		m.raiseFallback()
		return
	}

	msg := m.appendMessage(in)
	m.bus.Publish(eventbus.Event{Type: eventbus.TypeLiveMessage, Time: time.Now(), Data: msg})

	if chat.SameUser(in.SenderID, m.ident.UserID) {
		m.metrics.Inbound("self")
		return
	}
	if m.wm.Observe(m.ctx, in.CreatedAt) {
		m.metrics.Inbound("unread")
		m.metrics.Unread("live")
		m.publishUnread()
		return
	}
	m.metrics.Inbound("seen")
}

func (m *Manager) raiseFallback() {
	m.wm.MarkUnread()
	m.metrics.Unread("fallback")
	m.publishUnread()
}

func (m *Manager) publishUnread() {
	m.bus.Publish(eventbus.Event{Type: eventbus.TypeLiveUnread, Time: time.Now(), Data: m.wm.HasUnread()})
}

func (m *Manager) setState(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.mu.Lock()
	m.snap.ConnectionStatus = to
	m.snap.IsConnected = to == StateConnected
	m.mu.Unlock()

	m.metrics.SetState(from.String(), to.String())
	m.bus.Publish(eventbus.Event{
		Type: eventbus.TypeLiveState,
		Time: time.Now(),
		Data: StateChange{From: from, To: to, UserID: m.ident.UserID},
	})
	m.log.Debug("state changed", logx.String("from", from.String()), logx.String("to", to.String()))
}

func (m *Manager) setConnID(id string) {
	m.mu.Lock()
	m.snap.ConnID = id
	m.mu.Unlock()
}

func (m *Manager) connID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.ConnID
}

func (m *Manager) appendMessage(in chat.Inbound) Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeq++
	msg := Message{Seq: m.lastSeq, Inbound: in}
	m.msgs = append(m.msgs, msg)
	if limit := m.cfg.MaxMessages; limit > 0 && len(m.msgs) > limit {
		n := copy(m.msgs, m.msgs[len(m.msgs)-limit:])
		clear(m.msgs[n:])
		m.msgs = m.msgs[:n]
	}
	return msg
}

func (m *Manager) resetMessages(userID string) {
	m.mu.Lock()
	m.msgs = nil
	m.snapUser = userID
	m.mu.Unlock()
}

// Status returns the snapshot without the message log.
func (m *Manager) Status() Snapshot {
	m.mu.RLock()
	s := m.snap
	s.UserID = m.snapUser
	s.LastSeq = m.lastSeq
	m.mu.RUnlock()

	s.Messages = nil
	s.HasUnread = m.wm.HasUnread()
	if s.UserID != "" {
		s.Watermark, _ = m.wm.CurrentWatermark(s.UserID)
	}
	return s
}

// Snapshot returns the full state including the ordered message log.
func (m *Manager) Snapshot() Snapshot {
	s := m.Status()
	s.Messages = m.MessagesSince(0)
	return s
}

// MessagesSince returns the messages with Seq > after, oldest first.
func (m *Manager) MessagesSince(after int64) []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := 0
	for i < len(m.msgs) && m.msgs[i].Seq <= after {
		i++
	}
	out := make([]Message, len(m.msgs)-i)
	copy(out, m.msgs[i:])
	return out
}
