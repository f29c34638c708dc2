package storage

import (
	"fmt"
	"strings"

	logx "evnotify/pkg/logx"
)

type driver struct {
	open       func(Config, logx.Logger) (Store, error)
	persistent bool
}

var drivers = map[string]driver{
	"memory": {open: func(Config, logx.Logger) (Store, error) { return NewMemory(), nil }},
	"file":   {open: openFile, persistent: true},
	"sqlite": {open: openSQLite, persistent: true},
	"redis":  {open: openRedis, persistent: true},
}

// CanonicalDriver maps config spellings ("", "none", "sqlite3") onto a
// driver name. Unknown names are returned lowercased.
func CanonicalDriver(name string) string {
	switch d := strings.ToLower(strings.TrimSpace(name)); d {
	case "", "none":
		return "memory"
	case "sqlite3":
		return "sqlite"
	default:
		return d
	}
}

// Persistent reports whether values written through the driver survive a
// restart.
func Persistent(name string) bool {
	return drivers[CanonicalDriver(name)].persistent
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	name := CanonicalDriver(cfg.Driver)
	d, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unknown storage driver %q", name)
	}
	st, err := d.open(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("storage %s: %w", name, err)
	}
	log.Debug("storage opened", logx.String("driver", name), logx.Bool("persistent", d.persistent))
	return st, nil
}
