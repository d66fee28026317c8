package observability

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOptions configures where logs go. The zero value logs JSON to stdout at
// the level named by AGENT_LOG_LEVEL.
type LogOptions struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`        // optional rotating file sink, mirrored with stdout
	MaxSizeMB  int    `yaml:"max_size_mb"` // per file before rotation
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

var (
	outputMu sync.RWMutex
	output   io.Writer = os.Stdout
	level              = parseLogLevel(os.Getenv("AGENT_LOG_LEVEL"))
)

// ConfigureLogging sets the process-wide log sink and level. Loggers created
// afterwards use it; call it once at startup before building components.
func ConfigureLogging(opts LogOptions) {
	outputMu.Lock()
	defer outputMu.Unlock()

	if opts.Level != "" {
		level = parseLogLevel(opts.Level)
	}
	if opts.File == "" {
		output = os.Stdout
		return
	}
	output = io.MultiWriter(os.Stdout, &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	})
}

// NewLogger creates a structured JSON logger tagged with component.
func NewLogger(component string) zerolog.Logger {
	outputMu.RLock()
	defer outputMu.RUnlock()
	return NewLoggerWithLevel(component, level)
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, lvl zerolog.Level) zerolog.Logger {
	return zerolog.New(output).
		Level(lvl).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func parseLogLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	// RFC3339 with sub-second precision
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
