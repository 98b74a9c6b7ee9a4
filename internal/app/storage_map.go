package app

import (
	"fmt"
	"strings"
	"time"

	"streamframes/internal/storage"
	"streamframes/internal/stream"
)

func mapStorageConfig(cfg *Config) (storage.Config, error) {
	if cfg == nil {
		return storage.Config{}, fmt.Errorf("config is nil")
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "memory":
		return storage.Config{Driver: driver}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "":
		return storage.Config{}, fmt.Errorf("storage.driver is required")
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapStreamConfigs(cfg *Config) (map[string]stream.Config, error) {
	out := make(map[string]stream.Config, len(cfg.Streams))
	for name, sc := range cfg.Streams {
		busy, err := parseDurationOrDefault("streams."+name+".busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return nil, err
		}
		out[name] = stream.Config{
			Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
			Path:        strings.TrimSpace(sc.Path),
			BusyTimeout: busy,
			Addrs:       sc.Addrs,
			Username:    sc.Username,
			Password:    sc.Password,
			DB:          sc.DB,
			Key:         strings.TrimSpace(sc.Key),
		}
	}
	return out, nil
}
