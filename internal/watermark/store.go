// Package watermark tracks, per user, the last instant the user looked at
// chat, and decides whether newly discovered messages are unread.
package watermark

import (
	"context"
	"strings"
	"sync"
	"time"

	"evnotify/internal/chat"
	"evnotify/internal/storage"
	logx "evnotify/pkg/logx"
)

const keyPrefix = "chat:lastSeenAt:"

// Key is the storage key of a user's watermark.
func Key(userID string) string { return keyPrefix + strings.TrimSpace(userID) }

type Option func(*Store)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store is safe for concurrent use. Storage failures are logged and
// swallowed: the in-memory state stays authoritative for the session.
type Store struct {
	kv  storage.Store
	log logx.Logger
	now func() time.Time

	mu        sync.Mutex
	userID    string
	watermark time.Time // zero when unset
	unread    bool
}

func New(kv storage.Store, log logx.Logger, opts ...Option) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	if kv == nil {
		kv = storage.NewMemory()
	}
	s := &Store{kv: kv, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetUser switches the active user: loads their persisted watermark (if
// any) and resets the unread flag.
func (s *Store) SetUser(ctx context.Context, userID string) {
	userID = strings.TrimSpace(userID)
	var wm time.Time
	if userID != "" {
		wm = s.load(ctx, userID)
	}

	s.mu.Lock()
	s.userID = userID
	s.watermark = wm
	s.unread = false
	s.mu.Unlock()

	s.log.Debug("watermark user set", logx.User(userID), logx.Bool("has_watermark", !wm.IsZero()))
}

func (s *Store) load(ctx context.Context, userID string) time.Time {
	v, ok, err := s.kv.Get(ctx, Key(userID))
	if err != nil {
		s.log.Warn("watermark load failed", logx.User(userID), logx.Err(err))
		return time.Time{}
	}
	if !ok {
		return time.Time{}
	}
	t, ok := chat.ParseTime(v)
	if !ok {
		s.log.Warn("persisted watermark unparseable; ignoring", logx.User(userID), logx.String("value", v))
		return time.Time{}
	}
	return t
}

// UserID returns the active user ("" when logged out).
func (s *Store) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// HasUnread reports the current unread flag.
func (s *Store) HasUnread() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// CurrentWatermark returns userID's watermark in ISO form.
func (s *Store) CurrentWatermark(userID string) (string, bool) {
	userID = strings.TrimSpace(userID)
	s.mu.Lock()
	if userID == s.userID {
		wm := s.watermark
		s.mu.Unlock()
		if wm.IsZero() {
			return "", false
		}
		return chat.FormatISO(wm), true
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	wm := s.load(ctx, userID)
	if wm.IsZero() {
		return "", false
	}
	return chat.FormatISO(wm), true
}

// ShouldRaiseUnread compares candidate with the active watermark.
//
// True when no watermark is set, when candidate is strictly later, or
// when candidate cannot be parsed.
func (s *Store) ShouldRaiseUnread(candidate string) bool {
	s.mu.Lock()
	wm := s.watermark
	s.mu.Unlock()
	return shouldRaise(wm, candidate)
}

func shouldRaise(wm time.Time, candidate string) bool {
	if wm.IsZero() {
		return true
	}
	t, ok := chat.ParseTime(candidate)
	if !ok {
		return true
	}
	return t.After(wm)
}

// Observe handles one live inbound message timestamp and returns whether
// the unread flag was raised by it.
func (s *Store) Observe(ctx context.Context, candidate string) bool {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userID == "" {
		return false
	}
	if !shouldRaise(s.watermark, candidate) {
		return false
	}
	s.unread = true
	return true
}

// MarkUnread raises the flag unconditionally. Used when a message could
// not be evaluated.
func (s *Store) MarkUnread() {
	s.mu.Lock()
	if s.userID != "" {
		s.unread = true
	}
	s.mu.Unlock()
}

// ObserveHistory handles the latest inbound instant found in the thread
// history. Without a watermark the instant becomes the user's baseline and
// nothing is flagged; otherwise it is compared like a live message.
func (s *Store) ObserveHistory(ctx context.Context, latest time.Time, found bool) bool {
	if !found {
		return false
	}
	s.mu.Lock()
	userID := s.userID
	if userID == "" {
		s.mu.Unlock()
		return false
	}
	if s.watermark.IsZero() {
		s.watermark = latest.UTC()
		s.mu.Unlock()
		s.persist(ctx, userID, latest)
		s.log.Info("watermark baseline established", logx.User(userID), logx.String("at", chat.FormatISO(latest)))
		return false
	}
	raised := latest.After(s.watermark)
	if raised {
		s.unread = true
	}
	s.mu.Unlock()
	return raised
}

// ClearUnread drops the flag and advances the watermark to now, rounded up
// to the millisecond the stored form keeps.
func (s *Store) ClearUnread(ctx context.Context) {
	now := ceilMilli(s.now().UTC())
	s.mu.Lock()
	userID := s.userID
	s.unread = false
	if userID == "" {
		s.mu.Unlock()
		return
	}
	// Never move backward.
	if now.Before(s.watermark) {
		now = s.watermark
	}
	s.watermark = now
	s.mu.Unlock()

	s.persist(ctx, userID, now)
}

func ceilMilli(t time.Time) time.Time {
	if c := t.Truncate(time.Millisecond); c.Before(t) {
		return c.Add(time.Millisecond)
	}
	return t
}

// Forget removes userID's persisted watermark (logout).
func (s *Store) Forget(ctx context.Context, userID string) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return
	}
	s.mu.Lock()
	if s.userID == userID {
		s.watermark = time.Time{}
		s.unread = false
	}
	s.mu.Unlock()

	if err := s.kv.Delete(ctx, Key(userID)); err != nil {
		s.log.Warn("watermark delete failed", logx.User(userID), logx.Err(err))
	}
}

func (s *Store) persist(ctx context.Context, userID string, at time.Time) {
	// Guard against a concurrent writer (another process) having moved it further.
	if cur := s.load(ctx, userID); !cur.IsZero() && cur.After(at) {
		s.log.Debug("watermark persist skipped; stored value is newer", logx.User(userID))
		return
	}
	if err := s.kv.Set(ctx, Key(userID), chat.FormatISO(at)); err != nil {
		s.log.Warn("watermark persist failed", logx.User(userID), logx.Err(err))
	}
}
