// Package config loads checkpoint store settings from YAML or JSON files.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings holds the tunables of a SQLite-backed store.
type Settings struct {
	// Path is the database file path, or ":memory:".
	Path string `yaml:"path" json:"path"`

	// JournalMode is the SQLite journal mode. Empty means WAL.
	JournalMode string `yaml:"journal_mode" json:"journal_mode"`

	// BusyTimeout is how long a writer waits on a locked database
	// before failing. Zero means the driver default.
	BusyTimeout Duration `yaml:"busy_timeout" json:"busy_timeout"`

	// MaxOpenConns caps the connection pool. Zero means unlimited.
	MaxOpenConns int `yaml:"max_open_conns" json:"max_open_conns"`

	// MaxIdleConns caps idle pooled connections. Zero means the
	// database/sql default.
	MaxIdleConns int `yaml:"max_idle_conns" json:"max_idle_conns"`
}

// Default returns settings suitable for single-process production use.
func Default() Settings {
	return Settings{
		Path:        "checkpoints.db",
		JournalMode: "WAL",
		BusyTimeout: Duration(5 * time.Second),
	}
}

// Duration is a time.Duration that unmarshals from "5s"-style strings or
// from bare numbers interpreted as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var secs float64
	if err := node.Decode(&secs); err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		s := string(data[1 : len(data)-1])
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var secs float64
	if _, err := fmt.Sscanf(string(data), "%g", &secs); err != nil {
		return fmt.Errorf("parse duration %q: %w", data, err)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// Std returns the setting as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
