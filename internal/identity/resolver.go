// Package identity resolves the logged-in marketplace user from the
// persisted session file and reports changes to subscribers.
package identity

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"evnotify/internal/eventbus"
	logx "evnotify/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

// Source tells where a resolved id came from.
type Source string

const (
	SourceNone  Source = "none"
	SourceCache Source = "cache"
	SourceToken Source = "token"
)

// Identity is the resolved session. An empty UserID means logged out.
type Identity struct {
	UserID string
	Role   string
	Token  string
	Source Source
}

func (i Identity) LoggedIn() bool { return i.UserID != "" }

func (i Identity) same(o Identity) bool {
	return i.UserID == o.UserID && i.Role == o.Role && i.Token == o.Token
}

type Options struct {
	Path         string
	PollInterval time.Duration
	Watch        bool
	WriteBack    bool
}

type Option func(*Resolver)

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

func WithBus(bus eventbus.Bus) Option {
	return func(r *Resolver) {
		if bus != nil {
			r.bus = bus
		}
	}
}

type Resolver struct {
	opts Options
	log  logx.Logger
	warn logx.Logger
	bus  eventbus.Bus
	now  func() time.Time

	mu      sync.Mutex
	current Identity
	primed  bool

	subsMu sync.Mutex
	subs   []chan Identity
}

func NewResolver(opts Options, log logx.Logger, o ...Option) *Resolver {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Resolver{
		opts:    opts,
		log:     log.With(logx.Component("identity")),
		bus:     eventbus.Nop(),
		now:     time.Now,
		current: Identity{Source: SourceNone},
	}
	r.warn = r.log.Burst(1, time.Minute)
	for _, fn := range o {
		fn(r)
	}
	return r
}

// Resolve evaluates the session file once. Failures resolve to the
// logged-out identity; nothing here is an error for callers.
func (r *Resolver) Resolve() Identity {
	id, err := r.resolve()
	if err != nil {
		r.log.Debug("session unreadable", logx.String("path", r.opts.Path), logx.Err(err))
	}
	return id
}

// resolve returns an error only when the session file exists but cannot be
// read or parsed. A missing session or unusable token is a logout.
func (r *Resolver) resolve() (Identity, error) {
	none := Identity{Source: SourceNone}

	s, err := ReadSession(r.opts.Path)
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			return none, nil
		}
		return none, err
	}
	if strings.TrimSpace(s.Token) == "" {
		return none, nil
	}

	claims, derr := Decode(s.Token)
	if derr == nil && claims.Expired(r.now()) {
		r.log.Debug("session token expired", logx.Time("exp", claims.ExpiresAt))
		return none, nil
	}

	role := s.Role
	if role == "" && derr == nil {
		role = claims.Role
	}
	if s.UserID != "" {
		return Identity{UserID: s.UserID, Role: role, Token: s.Token, Source: SourceCache}, nil
	}
	if derr != nil {
		r.log.Debug("session token not decodable", logx.Err(derr))
		return none, nil
	}
	if claims.UserID == "" {
		return none, nil
	}

	if r.opts.WriteBack {
		if err := WriteUserID(r.opts.Path, claims.UserID); err != nil {
			r.log.Warn("session write-back failed", logx.String("path", r.opts.Path), logx.Err(err))
		}
	}
	return Identity{UserID: claims.UserID, Role: role, Token: s.Token, Source: SourceToken}, nil
}

// Current returns the last published identity.
func (r *Resolver) Current() Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Refresh re-evaluates the session and publishes when the identity changed.
// The first call always publishes. An unreadable session file keeps the
// last identity; only a missing session or token logs out.
func (r *Resolver) Refresh() (Identity, bool) {
	next, err := r.resolve()

	r.mu.Lock()
	if err != nil && r.primed {
		cur := r.current
		r.mu.Unlock()
		r.warn.Warn("session unreadable, keeping identity", logx.String("path", r.opts.Path), logx.User(cur.UserID), logx.Err(err))
		return cur, false
	}
	changed := !r.primed || !r.current.same(next)
	prev := r.current
	r.current = next
	r.primed = true
	r.mu.Unlock()

	if !changed {
		return next, false
	}
	r.log.Info("identity changed",
		logx.User(next.UserID),
		logx.String("prev_user_id", prev.UserID),
		logx.String("source", string(next.Source)),
	)
	r.publish(next)
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeIdentityChanged, Time: r.now(), Data: next})
	return next, true
}

// Subscribe returns a channel receiving identity changes. Slow subscribers
// only ever see the newest identity.
func (r *Resolver) Subscribe(buffer int) (<-chan Identity, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Identity, buffer)
	r.subsMu.Lock()
	r.subs = append(r.subs, ch)
	r.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subsMu.Lock()
			defer r.subsMu.Unlock()
			for i, s := range r.subs {
				if s == ch {
					last := len(r.subs) - 1
					r.subs[i] = r.subs[last]
					r.subs[last] = nil
					r.subs = r.subs[:last]
					close(ch)
					return
				}
			}
		})
	}
}

func (r *Resolver) publish(id Identity) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- id:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- id:
		default:
			r.log.Debug("identity update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// Run evaluates immediately, then on every poll tick and on file events
// for the session path. It returns when ctx is done.
func (r *Resolver) Run(ctx context.Context) error {
	r.Refresh()

	kick := make(chan struct{}, 1)
	if r.opts.Watch {
		go r.watch(ctx, kick)
	}

	t := time.NewTicker(r.opts.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.Refresh()
		case <-kick:
			r.Refresh()
		}
	}
}

// watch forwards session file events as debounced kicks. Polling keeps
// working if the watcher cannot be set up.
func (r *Resolver) watch(ctx context.Context, kick chan<- struct{}) {
	dir := filepath.Dir(r.opts.Path)
	file := filepath.Base(r.opts.Path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		r.log.Warn("session watch init failed; polling only", logx.Err(err))
		return
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		r.log.Warn("session watch add failed; polling only", logx.String("dir", dir), logx.Err(err))
		return
	}
	r.log.Debug("session watcher started", logx.String("dir", dir), logx.String("file", file))

	const debounce = 100 * time.Millisecond
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			select {
			case kick <- struct{}{}:
			default:
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if err != nil {
				r.log.Warn("session watch error", logx.Err(err))
			}
		}
	}
}
