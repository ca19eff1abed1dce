// Package logging provides global logging functions for wabridge.
// Use dot import to access L_info, L_error, etc. directly.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// Log levels
const (
	LevelFatal = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

var (
	logger *log.Logger
	mu     sync.Mutex

	// Global shutdown flag - checked by components before operations
	shuttingDown int32
)

// Config holds logging configuration
type Config struct {
	Level      int
	TimeFormat string
	ShowCaller bool
	JSON       bool      // Emit JSON lines instead of the human formatter
	Output     io.Writer // Defaults to stderr
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		TimeFormat: "15:04:05",
		ShowCaller: false,
	}
}

// ParseLevel maps a config string ("debug", "warn", ...) to a level constant.
// Unknown values map to LevelInfo.
func ParseLevel(s string) int {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// Init (re)initializes the global logger.
func Init(cfg *Config) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = "15:04:05"
	}

	l := log.NewWithOptions(out, log.Options{
		ReportTimestamp: true,
		TimeFormat:      timeFormat,
		ReportCaller:    cfg.ShowCaller,
		CallerOffset:    2, // Skip two frames (logMsg -> L_* -> caller)
	})
	if cfg.JSON {
		l.SetFormatter(log.JSONFormatter)
	}
	l.SetLevel(toCharmLevel(cfg.Level))

	mu.Lock()
	logger = l
	mu.Unlock()
}

func toCharmLevel(level int) log.Level {
	switch level {
	case LevelTrace, LevelDebug:
		return log.DebugLevel
	case LevelWarn:
		return log.WarnLevel
	case LevelError, LevelFatal:
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// current returns the logger, initializing with defaults if needed
func current() *log.Logger {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		cfg := DefaultConfig()
		logger = log.NewWithOptions(os.Stderr, log.Options{
			ReportTimestamp: true,
			TimeFormat:      cfg.TimeFormat,
			CallerOffset:    2,
		})
		logger.SetLevel(toCharmLevel(cfg.Level))
	}
	return logger
}

// hasFmtVerb checks if a string contains printf-style format verbs
func hasFmtVerb(s string) bool {
	for i := 0; i < len(s)-1; i++ {
		if s[i] == '%' {
			next := s[i+1]
			if next != '%' && strings.ContainsRune("vsdtfgeopqxXbcUT+#", rune(next)) {
				return true
			}
		}
	}
	return false
}

// logMsg handles the flexible logging format:
// - logMsg(level, "message") -> simple
// - logMsg(level, "value is %d", 42) -> printf
// - logMsg(level, "loaded", "key", val, ...) -> structured
func logMsg(level log.Level, msg string, args ...interface{}) {
	l := current()

	var finalMsg string
	var keyvals []interface{}

	if len(args) == 0 {
		finalMsg = msg
	} else if hasFmtVerb(msg) {
		finalMsg = fmt.Sprintf(msg, args...)
	} else {
		finalMsg = msg
		keyvals = args
	}

	switch level {
	case log.DebugLevel:
		l.Debug(finalMsg, keyvals...)
	case log.InfoLevel:
		l.Info(finalMsg, keyvals...)
	case log.WarnLevel:
		l.Warn(finalMsg, keyvals...)
	case log.ErrorLevel:
		l.Error(finalMsg, keyvals...)
	case log.FatalLevel:
		l.Fatal(finalMsg, keyvals...)
	}
}

// L_trace logs at trace level (mapped to debug)
func L_trace(msg string, args ...interface{}) {
	logMsg(log.DebugLevel, msg, args...)
}

// L_debug logs at debug level
func L_debug(msg string, args ...interface{}) {
	logMsg(log.DebugLevel, msg, args...)
}

// L_info logs at info level
func L_info(msg string, args ...interface{}) {
	logMsg(log.InfoLevel, msg, args...)
}

// L_warn logs at warn level
func L_warn(msg string, args ...interface{}) {
	logMsg(log.WarnLevel, msg, args...)
}

// L_error logs at error level
func L_error(msg string, args ...interface{}) {
	logMsg(log.ErrorLevel, msg, args...)
}

// L_fatal logs at fatal level and exits
func L_fatal(msg string, args ...interface{}) {
	logMsg(log.FatalLevel, msg, args...)
}

// SetLevel changes the log level at runtime
func SetLevel(level int) {
	current().SetLevel(toCharmLevel(level))
}

// SetShuttingDown marks the application as shutting down
func SetShuttingDown() {
	atomic.StoreInt32(&shuttingDown, 1)
	L_info("Application shutting down")
}

// IsShuttingDown returns true if application is shutting down
func IsShuttingDown() bool {
	return atomic.LoadInt32(&shuttingDown) == 1
}

// L_elapsed logs with elapsed time since start
func L_elapsed(start time.Time, msg string, args ...interface{}) {
	args = append(args, "elapsed", time.Since(start).String())
	logMsg(log.InfoLevel, msg, args...)
}
