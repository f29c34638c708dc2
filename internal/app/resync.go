package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"evnotify/internal/config"
	logx "evnotify/pkg/logx"

	"github.com/robfig/cron/v3"
)

// resyncer runs the periodic thread-history resync on a cron schedule.
// The schedule can be swapped while running (config hot reload).
type resyncer struct {
	log    logx.Logger
	run    func()
	parser cron.Parser

	mu      sync.Mutex
	c       *cron.Cron
	spec    string
	entry   cron.EntryID
	started bool
}

func newResyncer(run func(), log logx.Logger) *resyncer {
	r := &resyncer{
		log:    log,
		run:    run,
		parser: config.ResyncParser,
	}
	cl := cronLogger{log: log}
	r.c = cron.New(
		cron.WithParser(r.parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return r
}

// Apply installs spec, replacing the previous schedule. An empty spec
// disables the resync.
func (r *resyncer) Apply(spec string) error {
	spec = strings.TrimSpace(spec)
	r.mu.Lock()
	defer r.mu.Unlock()
	if spec == r.spec {
		return nil
	}
	var sched cron.Schedule
	if spec != "" {
		s, err := r.parser.Parse(spec)
		if err != nil {
			return fmt.Errorf("resync schedule %q: %w", spec, err)
		}
		sched = s
	}
	if r.entry != 0 {
		r.c.Remove(r.entry)
		r.entry = 0
	}
	r.spec = spec
	if sched == nil {
		r.log.Info("history resync disabled")
		return nil
	}
	r.entry = r.c.Schedule(sched, cron.FuncJob(r.run))
	r.log.Info("history resync scheduled", logx.String("spec", spec))
	return nil
}

func (r *resyncer) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.c.Start()
}

// Stop waits for a running job to finish or ctx to expire.
func (r *resyncer) Stop(ctx context.Context) {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.mu.Unlock()

	done := r.c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Next returns the next scheduled run as RFC 3339, or "" when disabled.
func (r *resyncer) Next() string {
	r.mu.Lock()
	id := r.entry
	r.mu.Unlock()
	if id == 0 {
		return ""
	}
	e := r.c.Entry(id)
	if e.Next.IsZero() {
		return ""
	}
	return e.Next.UTC().Format(time.RFC3339)
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Warn("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
