// Package supervisor runs the daemon's long-lived goroutines: it names
// them, recovers panics, records per-name stats for /healthz and can
// restart a failing loop with jittered backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "evnotify/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	firstErr atomic.Pointer[error]
	wg       sync.WaitGroup
	waitOnce sync.Once
	drained  chan struct{}

	started atomic.Uint64
	active  atomic.Int64

	mu    sync.Mutex
	stats map[string]*GoroutineStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first failure of a
// goroutine started with Go.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// GoroutineStats aggregates every run under one name.
type GoroutineStats struct {
	Name        string    `json:"name"`
	Active      int64     `json:"active"`
	Started     uint64    `json:"started"`
	Panics      uint64    `json:"panics"`
	Restarts    uint64    `json:"restarts"`
	LastStartAt time.Time `json:"last_start_at"`
	LastStopAt  time.Time `json:"last_stop_at,omitempty"`
	LastErr     string    `json:"last_err,omitempty"`
}

type Snapshot struct {
	Counters   Counters         `json:"counters"`
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:     ctx,
		cancel:  cancel,
		drained: make(chan struct{}),
		stats:   map[string]*GoroutineStats{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded failure.
func (s *Supervisor) Err() error {
	if p := s.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Healthy reports that nothing has failed and the context is still live.
func (s *Supervisor) Healthy() bool {
	return s != nil && s.Err() == nil && s.ctx.Err() == nil
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{Active: s.active.Load(), Started: s.started.Load()}
}

// Snapshot lists goroutines with running ones first.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}

	s.mu.Lock()
	snap.Goroutines = make([]GoroutineStats, 0, len(s.stats))
	for _, st := range s.stats {
		snap.Goroutines = append(snap.Goroutines, *st)
	}
	s.mu.Unlock()

	sort.Slice(snap.Goroutines, func(i, j int) bool {
		a, b := snap.Goroutines[i], snap.Goroutines[j]
		if a.Active != b.Active {
			return a.Active > b.Active
		}
		return a.Name < b.Name
	})
	return snap
}

// Go runs fn on the shared context. A returned error or a panic is
// recorded and, with WithCancelOnError, stops every sibling.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(func() {
		s.log.Debug("goroutine started", logx.String("name", name))
		err := s.runOnce(name, false, fn)
		if err != nil {
			s.setErr(err)
			if s.cancelOnErr {
				s.cancel()
			}
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	})
}

// Go0 is Go for loops that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

type RestartOption func(*restartCfg)

type restartCfg struct {
	backoff         Backoff
	maxRestarts     int // <= 0 is unlimited
	publishFirstErr bool
}

// WithRestartBackoff bounds the wait between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.backoff.Min = min
		}
		if max > 0 {
			c.backoff.Max = max
		}
	}
}

// WithMaxRestarts gives up after n restarts. The first run is not counted.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithPublishFirstError records restart failures in Err.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirstErr = enabled }
}

// healthyRun is how long a run must last for the backoff to start over.
const healthyRun = 30 * time.Second

// GoRestart runs fn until it returns nil or the context ends, restarting
// it after errors and panics. Restart failures never cancel siblings.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{backoff: Backoff{Min: 250 * time.Millisecond, Max: 30 * time.Second}}
	for _, o := range opts {
		o(&cfg)
	}

	s.spawn(func() {
		bo := cfg.backoff
		for restarts := 0; s.ctx.Err() == nil; restarts++ {
			began := time.Now()
			err := s.runOnce(name, restarts > 0, fn)
			if err == nil || s.ctx.Err() != nil {
				return
			}
			if cfg.publishFirstErr {
				s.setErr(err)
			}
			if cfg.maxRestarts > 0 && restarts >= cfg.maxRestarts {
				s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				return
			}
			if time.Since(began) >= healthyRun {
				bo.Reset()
			}
			wait := bo.Next()
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			if !Sleep(s.ctx, wait) {
				return
			}
		}
	})
}

func (s *Supervisor) spawn(body func()) {
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		body()
	}()
}

// runOnce calls fn with stats bookkeeping and turns a panic into an error.
// Cancellation is not a failure.
func (s *Supervisor) runOnce(name string, restart bool, fn func(context.Context) error) (err error) {
	s.note(name, func(st *GoroutineStats) {
		st.Started++
		st.Active++
		st.LastStartAt = time.Now()
		if restart {
			st.Restarts++
		}
	})
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			s.note(name, func(st *GoroutineStats) { st.Panics++ })
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
		s.note(name, func(st *GoroutineStats) {
			if st.Active > 0 {
				st.Active--
			}
			st.LastStopAt = time.Now()
			if err != nil {
				st.LastErr = err.Error()
			}
		})
	}()

	if err = fn(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (s *Supervisor) note(name string, update func(*GoroutineStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats[name]
	if st == nil {
		st = &GoroutineStats{Name: name}
		s.stats[name] = st
	}
	update(st)
}

// Stop cancels the context and waits for every goroutine.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx ends, and then
// returns the first failure.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.drained)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.drained:
		return s.Err()
	}
}

func (s *Supervisor) setErr(err error) {
	s.firstErr.CompareAndSwap(nil, &err)
}
