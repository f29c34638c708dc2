package live

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"evnotify/internal/chat"
	"evnotify/internal/identity"
	"evnotify/internal/storage"
	"evnotify/internal/watermark"
	logx "evnotify/pkg/logx"
)

type fakeTransport struct {
	id identity.Identity
	h  Handlers

	mu        sync.Mutex
	state     TransportState
	starts    int
	stops     int
	startErrs []error
}

func (f *fakeTransport) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if len(f.startErrs) > 0 {
		err := f.startErrs[0]
		f.startErrs = f.startErrs[1:]
		if err != nil {
			f.state = TransportDisconnected
			return err
		}
	}
	f.state = TransportConnected
	return nil
}

func (f *fakeTransport) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.state = TransportDisconnected
	return nil
}

func (f *fakeTransport) State() TransportState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) setState(s TransportState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeTransport) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

type fakeHub struct {
	mu        sync.Mutex
	conns     []*fakeTransport
	startErrs []error // handed to the next dialed transport
}

func (h *fakeHub) dial(id identity.Identity, hs Handlers) (Transport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := &fakeTransport{id: id, h: hs, startErrs: h.startErrs}
	h.startErrs = nil
	h.conns = append(h.conns, t)
	return t, nil
}

func (h *fakeHub) all() []*fakeTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*fakeTransport(nil), h.conns...)
}

func (h *fakeHub) last() *fakeTransport {
	all := h.all()
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

type pendingTimer struct {
	d         time.Duration
	fn        func()
	cancelled bool
}

type manualScheduler struct {
	mu     sync.Mutex
	timers []*pendingTimer
}

func (s *manualScheduler) schedule(d time.Duration, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	pt := &pendingTimer{d: d, fn: fn}
	s.timers = append(s.timers, pt)
	return func() {
		s.mu.Lock()
		pt.cancelled = true
		s.mu.Unlock()
	}
}

func (s *manualScheduler) pending() []*pendingTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*pendingTimer
	for _, t := range s.timers {
		if !t.cancelled && t.fn != nil {
			out = append(out, t)
		}
	}
	return out
}

// fire runs the oldest live timer and removes it.
func (s *manualScheduler) fire(t *testing.T) time.Duration {
	t.Helper()
	s.mu.Lock()
	var pt *pendingTimer
	for _, c := range s.timers {
		if !c.cancelled && c.fn != nil {
			pt = c
			break
		}
	}
	var fn func()
	if pt != nil {
		fn = pt.fn
		pt.fn = nil
	}
	s.mu.Unlock()
	if fn == nil {
		t.Fatal("no pending timer")
	}
	fn()
	return pt.d
}

type fakeHistory struct {
	threads []chat.Record
	err     error
}

func (f fakeHistory) GetThreadsByUserID(ctx context.Context, userID, token string) ([]chat.Record, error) {
	return f.threads, f.err
}

type harness struct {
	m     *Manager
	hub   *fakeHub
	sched *manualScheduler
	kv    storage.Store
	wm    *watermark.Store
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{hub: &fakeHub{}, sched: &manualScheduler{}, kv: storage.NewMemory()}
	h.wm = watermark.New(h.kv, logx.Nop())
	opts = append([]Option{WithScheduler(h.sched.schedule)}, opts...)
	h.m = New(cfg, h.hub.dial, h.wm, logx.Nop(), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.m.Done()
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return h.m.Status().ConnectionStatus == want })
}

// sync flushes the event loop.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.m.request(ctx, event{kind: evResync}); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func login(id string) identity.Identity {
	return identity.Identity{UserID: id, Token: "tok-" + id, Source: identity.SourceToken}
}

func TestBaselineThenLiveMessageRaisesUnread(t *testing.T) {
	t.Parallel()
	hist := fakeHistory{threads: []chat.Record{{"messages": []any{
		map[string]any{"senderId": "seller", "createdAt": "2024-01-01T00:00:00"},
	}}}}
	h := newHarness(t, Config{}, WithHistory(hist))

	h.m.SetIdentity(login("me"))
	h.waitState(t, StateConnected)
	waitFor(t, "baseline", func() bool {
		wm, ok := h.wm.CurrentWatermark("me")
		return ok && wm == "2024-01-01T00:00:00.000Z"
	})
	if h.m.Status().HasUnread {
		t.Fatal("baseline raised unread")
	}

	h.hub.last().h.OnMessage([]byte(`{"payload":{"senderId":"seller","createdAt":"2024-01-02T00:00:00Z","content":"hi"}}`))
	waitFor(t, "unread", func() bool { return h.m.Status().HasUnread })

	snap := h.m.Snapshot()
	if len(snap.Messages) != 1 || snap.Messages[0].Content != "hi" || snap.Messages[0].Seq != 1 {
		t.Fatalf("messages = %+v", snap.Messages)
	}
	if !snap.IsConnected || snap.UserID != "me" || snap.ConnID == "" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestSelfSentNeverRaisesUnread(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.m.SetIdentity(login("me"))
	h.waitState(t, StateConnected)

	h.hub.last().h.OnMessage([]byte(`{"payload":{"senderId":"ME","createdAt":"2030-01-01T00:00:00Z"}}`))
	h.hub.last().h.OnMessage([]byte(`{"senderId":" me ","content":"no timestamp"}`))
	h.sync(t)

	if h.m.Status().HasUnread {
		t.Fatal("self-sent message raised unread")
	}
	if n := len(h.m.MessagesSince(0)); n != 2 {
		t.Fatalf("messages = %d, want 2", n)
	}
}

func TestUndecodableFrameFailsOpen(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.m.SetIdentity(login("me"))
	h.waitState(t, StateConnected)

	h.hub.last().h.OnMessage([]byte(`not json`))
	waitFor(t, "unread", func() bool { return h.m.Status().HasUnread })
	if n := len(h.m.MessagesSince(0)); n != 0 {
		t.Fatalf("messages = %d, want 0", n)
	}
}

func TestIdentitySwitchDropsStaleConnection(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	h.m.SetIdentity(login("alice"))
	h.waitState(t, StateConnected)
	a := h.hub.last()

	h.m.SetIdentity(login("bob"))
	waitFor(t, "second connection", func() bool { return len(h.hub.all()) == 2 })
	h.waitState(t, StateConnected)
	b := h.hub.last()

	waitFor(t, "alice stopped", func() bool { _, stops := a.counts(); return stops == 1 })
	active := 0
	for _, c := range h.hub.all() {
		if c.State() == TransportConnected {
			active++
		}
	}
	if active != 1 || b.State() != TransportConnected {
		t.Fatalf("active connections = %d", active)
	}

	// Late callbacks from alice's connection must not touch bob's state.
	a.h.OnMessage([]byte(`{"payload":{"senderId":"x","createdAt":"2024-01-01T00:00:00Z"}}`))
	a.h.OnClosed(errors.New("late"))
	a.h.OnReconnecting(errors.New("late"))
	h.sync(t)

	st := h.m.Status()
	if st.HasUnread || st.ConnectionStatus != StateConnected || st.UserID != "bob" {
		t.Fatalf("status after stale callbacks = %+v", st)
	}
	if n := len(h.m.MessagesSince(0)); n != 0 {
		t.Fatalf("stale message recorded (%d)", n)
	}
	if len(h.sched.pending()) != 0 {
		t.Fatal("stale close scheduled a reconnect")
	}
}

func TestSameIdentityIsNotReconnected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.m.SetIdentity(login("me"))
	h.waitState(t, StateConnected)
	h.m.SetIdentity(login("me"))
	h.sync(t)
	if n := len(h.hub.all()); n != 1 {
		t.Fatalf("connections = %d, want 1", n)
	}
}

func TestStartFailureRetriesOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{RetryDelay: 5 * time.Second})
	h.hub.startErrs = []error{errors.New("refused"), errors.New("refused again")}

	h.m.SetIdentity(login("me"))
	waitFor(t, "retry scheduled", func() bool { return len(h.sched.pending()) == 1 })
	if h.m.Status().ConnectionStatus != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", h.m.Status().ConnectionStatus)
	}
	if d := h.sched.fire(t); d != 5*time.Second {
		t.Fatalf("retry delay = %v, want 5s", d)
	}

	c := h.hub.last()
	waitFor(t, "second start", func() bool { s, _ := c.counts(); return s == 2 })
	h.waitState(t, StateDisconnected)
	h.sync(t)
	if n := len(h.sched.pending()); n != 0 {
		t.Fatalf("pending timers after second failure = %d, want 0", n)
	}
}

func TestStartRetrySucceeds(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.hub.startErrs = []error{errors.New("refused")}

	h.m.SetIdentity(login("me"))
	waitFor(t, "retry scheduled", func() bool { return len(h.sched.pending()) == 1 })
	h.sched.fire(t)
	h.waitState(t, StateConnected)
}

func TestClosedConnectionManualReconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{ManualReconnectDelay: 10 * time.Second})
	h.m.SetIdentity(login("me"))
	h.waitState(t, StateConnected)
	c := h.hub.last()

	c.setState(TransportReconnecting)
	c.h.OnReconnecting(errors.New("eof"))
	h.waitState(t, StateReconnecting)

	c.setState(TransportDisconnected)
	c.h.OnClosed(errors.New("gave up"))
	h.waitState(t, StateDisconnected)
	if h.m.Status().ConnID != "" {
		t.Fatal("connection handle not cleared on close")
	}

	waitFor(t, "manual reconnect scheduled", func() bool { return len(h.sched.pending()) == 1 })
	if d := h.sched.fire(t); d != 10*time.Second {
		t.Fatalf("manual reconnect delay = %v, want 10s", d)
	}
	h.waitState(t, StateConnected)
	if starts, _ := c.counts(); starts != 2 {
		t.Fatalf("starts = %d, want 2", starts)
	}
	if len(h.hub.all()) != 1 {
		t.Fatal("manual reconnect must reuse the closed connection")
	}
}

func TestManualReconnectSkippedWhenTransportNotDisconnected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.m.SetIdentity(login("me"))
	h.waitState(t, StateConnected)
	c := h.hub.last()

	c.h.OnClosed(nil)
	h.waitState(t, StateDisconnected)
	waitFor(t, "manual reconnect scheduled", func() bool { return len(h.sched.pending()) == 1 })
	c.setState(TransportConnecting)
	h.sched.fire(t)
	h.sync(t)

	if starts, _ := c.counts(); starts != 1 {
		t.Fatalf("starts = %d, want 1", starts)
	}
	if h.m.Status().ConnectionStatus != StateDisconnected {
		t.Fatal("state changed by skipped manual reconnect")
	}
}

func TestIllegalTransitionsIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.m.SetIdentity(login("me"))
	h.waitState(t, StateConnected)
	c := h.hub.last()

	c.h.OnReconnected()
	h.sync(t)
	if got := h.m.Status().ConnectionStatus; got != StateConnected {
		t.Fatalf("state = %v, want connected", got)
	}
	c.h.OnClosed(nil)
	h.waitState(t, StateDisconnected)
	c.h.OnReconnecting(nil)
	h.sync(t)
	if got := h.m.Status().ConnectionStatus; got != StateDisconnected {
		t.Fatalf("reconnecting accepted while disconnected: %v", got)
	}
}

func TestLogoutTearsDownAndForgetsWatermark(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	h.m.SetIdentity(login("me"))
	h.waitState(t, StateConnected)
	if err := h.m.ClearUnread(ctx); err != nil {
		t.Fatalf("ClearUnread: %v", err)
	}
	if _, ok, _ := h.kv.Get(ctx, watermark.Key("me")); !ok {
		t.Fatal("ClearUnread did not persist a watermark")
	}
	c := h.hub.last()

	h.m.SetIdentity(identity.Identity{Source: identity.SourceNone})
	h.waitState(t, StateDisconnected)
	waitFor(t, "transport stopped", func() bool { _, stops := c.counts(); return stops == 1 })
	h.sync(t)

	if _, ok, _ := h.kv.Get(ctx, watermark.Key("me")); ok {
		t.Fatal("watermark survived logout")
	}
	if st := h.m.Status(); st.UserID != "" || st.ConnID != "" || st.HasUnread {
		t.Fatalf("status after logout = %+v", st)
	}
}

func TestClearUnreadResetsFlag(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.m.SetIdentity(login("me"))
	h.waitState(t, StateConnected)

	h.hub.last().h.OnMessage([]byte(`{"senderId":"buyer","createdAt":"2024-01-01T00:00:00Z"}`))
	waitFor(t, "unread", func() bool { return h.m.Status().HasUnread })
	if err := h.m.ClearUnread(context.Background()); err != nil {
		t.Fatal(err)
	}
	st := h.m.Status()
	if st.HasUnread || st.Watermark == "" {
		t.Fatalf("status after clear = %+v", st)
	}

	// An older message stays read.
	h.hub.last().h.OnMessage([]byte(`{"senderId":"buyer","createdAt":"2024-01-02T00:00:00Z"}`))
	h.sync(t)
	if h.m.Status().HasUnread {
		t.Fatal("message older than the watermark raised unread")
	}
}

func TestMessageLogCapAndCursor(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{MaxMessages: 2})
	h.m.SetIdentity(login("me"))
	h.waitState(t, StateConnected)

	for i := 0; i < 3; i++ {
		h.hub.last().h.OnMessage([]byte(`{"senderId":"me"}`))
	}
	h.sync(t)

	all := h.m.MessagesSince(0)
	if len(all) != 2 || all[0].Seq != 2 || all[1].Seq != 3 {
		t.Fatalf("messages = %+v", all)
	}
	if got := h.m.MessagesSince(2); len(got) != 1 || got[0].Seq != 3 {
		t.Fatalf("MessagesSince(2) = %+v", got)
	}
	if got := h.m.MessagesSince(3); len(got) != 0 {
		t.Fatalf("MessagesSince(3) = %+v", got)
	}
}

func TestReconnectRequestReplacesConnection(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.m.SetIdentity(login("me"))
	h.waitState(t, StateConnected)
	first := h.hub.last()

	if err := h.m.Reconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "new connection", func() bool { return len(h.hub.all()) == 2 })
	h.waitState(t, StateConnected)
	waitFor(t, "old stopped", func() bool { _, stops := first.counts(); return stops == 1 })
}

func TestRequestsAfterStopFail(t *testing.T) {
	t.Parallel()
	m := New(Config{}, (&fakeHub{}).dial, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = m.Run(ctx) }()
	cancel()
	<-m.Done()
	if err := m.ClearUnread(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("ClearUnread after stop = %v, want ErrClosed", err)
	}
}

func TestTransitionTable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from State
		ev   eventKind
		to   State
		ok   bool
	}{
		{StateConnecting, evStartOK, StateConnected, true},
		{StateConnecting, evStartFailed, StateDisconnected, true},
		{StateConnected, evReconnecting, StateReconnecting, true},
		{StateReconnecting, evReconnected, StateConnected, true},
		{StateReconnecting, evClosed, StateDisconnected, true},
		{StateDisconnected, evManualFire, StateConnecting, true},
		{StateDisconnected, evReconnecting, 0, false},
		{StateConnected, evStartOK, 0, false},
		{StateConnecting, evClosed, 0, false},
	}
	for _, tt := range tests {
		to, ok := nextState(tt.from, tt.ev)
		if ok != tt.ok || (ok && to != tt.to) {
			t.Fatalf("nextState(%v, %v) = %v, %v; want %v, %v", tt.from, tt.ev, to, ok, tt.to, tt.ok)
		}
	}
}
