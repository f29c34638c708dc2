package logx

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the sinks and verbosity of a Service.
type Config struct {
	Level   string
	Console bool
	// Format of the console sink: "pretty" (default) or "json". JSON suits
	// journald, which already timestamps lines.
	Format string
	File   FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const DefaultFilePath = "./evnotify.log"

const (
	FormatPretty = "pretty"
	FormatJSON   = "json"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
}

// Field mutates a zerolog event. Later fields win on duplicate keys.
type Field func(e *zerolog.Event)

func String(k, v string) Field        { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field       { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field   { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Uint64(k string, v uint64) Field { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Bool(k string, v bool) Field     { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Any(k string, v any) Field       { return func(e *zerolog.Event) { e.Interface(k, v) } }

func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}

func Time(k string, v time.Time) Field {
	return func(e *zerolog.Event) { e.Time(k, v) }
}

func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str("stack", stack)
		}
	}
}

// Component tags every line of a subsystem (comp=live, comp=identity, ...).
func Component(name string) Field { return String("comp", name) }

// User tags a line with the marketplace user it concerns.
func User(id string) Field { return String("user_id", id) }

// Secret logs only whether a credential is present, as "<k>_set".
func Secret(k, v string) Field { return Bool(k+"_set", strings.TrimSpace(v) != "") }

// source yields the zerolog root a Logger writes through. A Service is a
// source that changes on Apply; static roots never change.
type source interface {
	current() zerolog.Logger
}

type static zerolog.Logger

func (s static) current() zerolog.Logger { return zerolog.Logger(s) }

// Logger is a structured logger. Loggers derived from a Service follow its
// sinks across Apply calls. The zero value discards everything.
type Logger struct {
	src     source
	sampler zerolog.Sampler
	fields  []Field
}

// Nop returns a logger that never writes anything.
func Nop() Logger { return Logger{src: static(zerolog.Nop())} }

// NewConsole creates a standalone console logger for CLI subcommands.
func NewConsole(level string) Logger {
	zl := zerolog.New(consoleWriter(os.Stderr, FormatPretty)).
		Level(parseLevel(level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	return Logger{src: static(zl)}
}

// NewWriter creates a JSON logger writing to w.
func NewWriter(w io.Writer, level string) Logger {
	zl := zerolog.New(w).Level(parseLevel(level, zerolog.DebugLevel)).With().Timestamp().Logger()
	return Logger{src: static(zl)}
}

func (l Logger) IsZero() bool { return l.src == nil && len(l.fields) == 0 }

func (l Logger) root() zerolog.Logger {
	if l.src == nil {
		return zerolog.Nop()
	}
	zl := l.src.current()
	if l.sampler != nil {
		zl = zl.Sample(l.sampler)
	}
	return zl
}

// Enabled reports whether level would be written.
func (l Logger) Enabled(level Level) bool {
	if l.src == nil {
		return false
	}
	return level >= l.src.current().GetLevel()
}

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = append(append([]Field(nil), l.fields...), fields...)
	return cp
}

// Burst returns a logger that writes at most n lines per period. Lines
// past the burst are dropped. Derived loggers share the budget.
func (l Logger) Burst(n uint32, period time.Duration) Logger {
	cp := l
	cp.sampler = &zerolog.BurstSampler{Burst: n, Period: period}
	return cp
}

func (l Logger) Trace(msg string, fields ...Field) { l.write(zerolog.TraceLevel, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.write(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.write(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.write(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.write(zerolog.ErrorLevel, msg, fields) }

func (l Logger) write(level zerolog.Level, msg string, fields []Field) {
	zl := l.root()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if _, file, line, ok := runtime.Caller(2); ok && file != "" {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, set := range [2][]Field{l.fields, fields} {
		for _, f := range set {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

// Service owns the process sinks and swaps them on Apply.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	file *os.File

	zl atomic.Pointer[zerolog.Logger]
}

// New creates the service with cfg applied and returns its root Logger.
// A file sink that cannot be opened is reported on the console sink.
func New(cfg Config) (*Service, Logger) {
	s := &Service{}
	boot := zerolog.New(consoleWriter(os.Stdout, cfg.Format)).Level(zerolog.InfoLevel).With().Timestamp().Logger()
	s.zl.Store(&boot)

	root := Logger{src: s}
	if err := s.Apply(cfg); err != nil {
		root.Warn("log file sink disabled", Err(err))
	}
	return s, root
}

func (s *Service) current() zerolog.Logger {
	if p := s.zl.Load(); p != nil {
		return *p
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{src: s} }

// Config returns the last applied config.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}

// Apply swaps sinks and level at runtime. The console sink is always kept
// when nothing else is configured. A file error leaves the other sinks in
// place and is returned.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var (
		sinks   []io.Writer
		fileErr error
	)
	if cfg.Console {
		sinks = append(sinks, consoleWriter(os.Stdout, cfg.Format))
	}
	if cfg.File.Enabled {
		f, err := openLogFile(cfg.File.Path)
		if err != nil {
			fileErr = err
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(os.Stdout, cfg.Format))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.zl.Store(&zl)
	return fileErr
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultFilePath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("logx: create log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logx: open log file %q: %w", path, err)
	}
	return f, nil
}

func consoleWriter(w io.Writer, format string) io.Writer {
	if strings.EqualFold(strings.TrimSpace(format), FormatJSON) {
		return w
	}
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
	cw.FormatCaller = func(i any) string {
		s, _ := i.(string)
		return s
	}
	return cw
}

// ValidFormat reports whether format names a console format.
func ValidFormat(format string) bool {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatPretty, FormatJSON:
		return true
	}
	return false
}

// ParseLevel maps a config level name to a Level.
func ParseLevel(s string) (Level, error) {
	lvl := parseLevel(s, zerolog.NoLevel)
	if lvl == zerolog.NoLevel {
		return lvl, errors.New("logx: unknown level " + strconv.Quote(s))
	}
	return lvl, nil
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return def
	}
}
