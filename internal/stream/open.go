package stream

import (
	"errors"
	"strings"
	"time"

	logx "streamframes/pkg/logx"
)

// Config configures one named stream.
type Config struct {
	Driver string

	// sqlite
	Path        string
	BusyTimeout time.Duration

	// redis
	Addrs    []string
	Username string
	Password string
	DB       int
	Key      string // sorted-set key; default "streamframes:stream:<name>"
}

// Open initializes the stream named name.
func Open(name string, cfg Config, log logx.Logger) (Store, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("stream", name))

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(name), nil
	case "sqlite", "sqlite3":
		return openSQLite(name, cfg, log)
	case "redis":
		return openRedis(name, cfg, log)
	default:
		return nil, errors.New("unknown stream driver: " + driver)
	}
}
