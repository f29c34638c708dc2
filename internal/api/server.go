// Package api serves the notification state to local UI consumers.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	rtsup "evnotify/internal/runtime/supervisor"
	logx "evnotify/pkg/logx"
)

const DefaultAddr = "127.0.0.1:7070"

// Config controls the local HTTP API.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	CORSOrigins   []string
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Service struct {
	log logx.Logger

	mu   sync.Mutex
	cfg  Config
	deps Deps
	cur  *run
}

// run is one started instance: a supervisor restarting the listener and
// the server currently bound, if any.
type run struct {
	sup *rtsup.Supervisor

	mu sync.Mutex
	ln net.Listener
}

func (r *run) bound(ln net.Listener) {
	r.mu.Lock()
	r.ln = ln
	r.mu.Unlock()
}

func (r *run) addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return ""
	}
	return r.ln.Addr().String()
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Component("api"))
	if deps.Log.IsZero() {
		deps.Log = log
	}
	return &Service{cfg: cfg, deps: deps, log: log}
}

// Addr returns the bound address, or "" when not listening.
func (s *Service) Addr() string {
	s.mu.Lock()
	r := s.cur
	s.mu.Unlock()
	if r == nil {
		return ""
	}
	return r.addr()
}

// Supervisor returns the supervisor of the running instance, or nil.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	return s.cur.sup
}

// Reconfigure applies cfg on hot reload: it starts, stops or restarts the
// server when anything it listens with changed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	changed := !reflect.DeepEqual(s.cfg, cfg)
	running := s.cur != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
	case !running:
		s.Start(ctx)
	case changed:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start is idempotent and a no-op when the API is disabled.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil || !s.cfg.Enabled {
		return
	}
	r := &run{sup: rtsup.New(ctx, rtsup.WithLogger(s.log))}
	s.cur = r
	r.sup.GoRestart("http.serve", func(c context.Context) error { return s.serve(c, r) },
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop shuts the server down and waits for it until ctx ends. Open event
// streams end with it.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	r := s.cur
	s.cur = nil
	s.mu.Unlock()
	if r == nil {
		return
	}
	r.sup.Cancel()
	if err := r.sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("api stop timed out", logx.Err(err))
		return
	}
	s.log.Info("api stopped")
}

var errExposed = errors.New("non-loopback addr requires api.token or api.allow_insecure")

// exposure refuses a public listener without a token unless allow_insecure
// is set; insecure reports that case.
func exposure(addr string, cfg Config) (insecure bool, err error) {
	if cfg.Token != "" || isLoopbackAddr(addr) {
		return false, nil
	}
	if !cfg.AllowInsecure {
		return false, errExposed
	}
	return true, nil
}

func (s *Service) serve(ctx context.Context, r *run) error {
	s.mu.Lock()
	cfg, deps := s.cfg, s.deps
	s.mu.Unlock()

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	insecure, err := exposure(addr, cfg)
	if err != nil {
		s.log.Error("api refused to start", logx.String("addr", addr), logx.Err(err))
		return nil
	}
	if insecure {
		s.log.Warn("api running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           NewRouter(cfg, deps),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	r.bound(ln)
	defer r.bound(nil)

	release := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			_ = srv.Close()
		}
	})
	defer release()

	s.log.Info("api started",
		logx.String("addr", ln.Addr().String()),
		logx.Secret("token", cfg.Token),
		logx.Bool("pprof", cfg.Pprof),
	)
	err = srv.Serve(ln) // closes ln
	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, http.ErrServerClosed) {
		return errors.New("api server closed unexpectedly")
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	switch host = strings.TrimSpace(host); {
	case host == "":
		return false
	case strings.EqualFold(host, "localhost"):
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
