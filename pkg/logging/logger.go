// Package logging sets up the zerolog logger that every storefront-cache
// component derives its own tagged logger from.
//
// Levels are used consistently across packages:
//
//   - Debug: cache hits and misses with the envelope age, coalesced fetches,
//     individual probe results.
//   - Info: connectivity transitions, logout and reset clears, backup
//     restores, sweeps that removed rows, daemon start and stop.
//   - Warn: a store read or write failed and the caller fell back to cached
//     or empty data; an envelope was corrupt or from an older schema; a
//     background refresh or retry failed.
//   - Error: the daemon cannot start, or the record database is gone.
//
// Field names shared by all components: component, key, category, layer
// (durable, backup, records), stage (cached, verified), age, removed, online.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel is a level name as written in the config file.
type LogLevel string

// Supported levels.
const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config selects the level, the format and the destination.
type Config struct {
	Level LogLevel

	// Pretty switches from JSON lines to zerolog's console format.
	Pretty bool

	// Output defaults to os.Stderr.
	Output io.Writer
}

// DefaultConfig logs JSON at info level to stderr.
func DefaultConfig() Config {
	return Config{Level: LevelInfo, Output: os.Stderr}
}

// Setup installs a timestamped logger as zerolog's global logger, sets the
// global level and returns the logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	var out io.Writer = os.Stderr
	if cfg.Output != nil {
		out = cfg.Output
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return log.Logger
}

// ParseLevel maps a level name to zerolog. Unknown names fall back to info.
func ParseLevel(level LogLevel) zerolog.Level {
	switch normalize(level) {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Valid reports whether the name is a supported level. "warning" is accepted
// as an alias of warn.
func (l LogLevel) Valid() bool {
	switch normalize(l) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return true
	}
	return false
}

func normalize(l LogLevel) LogLevel {
	n := LogLevel(strings.ToLower(strings.TrimSpace(string(l))))
	if n == "warning" {
		return LevelWarn
	}
	return n
}

// NewLogger returns the global logger tagged with component.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
