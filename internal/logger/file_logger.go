package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the session logger for the execution engine. Entries are written as
// JSON lines to a per-day file and, when enabled, mirrored to the console.
type Logger struct {
	name    string
	zl      zerolog.Logger
	logFile *os.File
	mu      sync.Mutex
	logDir  string
	started time.Time
}

// LogLevel represents different types of log entries
type LogLevel string

const (
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARN"
	LogLevelError   LogLevel = "ERROR"
	LogLevelTrade   LogLevel = "TRADE"
	LogLevelStatus  LogLevel = "STATUS"
)

// Config controls where and how much the logger writes
type Config struct {
	Dir     string `yaml:"dir" json:"dir" default:"logs"`
	Level   string `yaml:"level" json:"level" default:"info" validate:"oneof=debug info warn error"`
	Console bool   `yaml:"console" json:"console" default:"true"`
}

// NewLogger creates a file logger for the named session
func NewLogger(name string, cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	logDir := cfg.Dir
	if logDir == "" {
		logDir = "logs"
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02")
	filename := fmt.Sprintf("%s_%s.log", name, timestamp)
	file, err := os.OpenFile(filepath.Join(logDir, filename), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	var output io.Writer = file
	if cfg.Console {
		output = zerolog.MultiLevelWriter(file, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}

	l := &Logger{
		name:    name,
		zl:      zerolog.New(output).Level(level).With().Timestamp().Str("session", name).Logger(),
		logFile: file,
		logDir:  logDir,
		started: time.Now(),
	}

	l.writeSessionHeader()
	return l, nil
}

// New wraps an arbitrary writer, used by tests and tools that capture output
func New(w io.Writer) *Logger {
	return &Logger{zl: zerolog.New(w).With().Timestamp().Logger()}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// Component returns a child logger tagged with the component name. The child
// shares the parent's file and must not be closed.
func (l *Logger) Component(component string) *Logger {
	if l == nil {
		return Nop()
	}
	return &Logger{
		name:   l.name,
		zl:     l.zl.With().Str("component", component).Logger(),
		logDir: l.logDir,
	}
}

// Zerolog exposes the underlying logger for structured fields
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zl
}

func (l *Logger) writeSessionHeader() {
	l.zl.Info().
		Str("tag", string(LogLevelStatus)).
		Time("started", l.started).
		Str("log_file", l.GetLogPath()).
		Msg("execution session started")
}

func (l *Logger) event(level LogLevel) *zerolog.Event {
	var e *zerolog.Event
	switch level {
	case LogLevelWarning:
		e = l.zl.Warn()
	case LogLevelError:
		e = l.zl.Error()
	default:
		e = l.zl.Info()
	}
	return e.Str("tag", string(level))
}

// Log writes a formatted log entry with the specified level
func (l *Logger) Log(level LogLevel, format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.event(level).Msgf(format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.Log(LogLevelInfo, format, args...)
}

// Warning logs a warning message
func (l *Logger) Warning(format string, args ...interface{}) {
	l.Log(LogLevelWarning, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.Log(LogLevelError, format, args...)
}

// Trade logs a trading action
func (l *Logger) Trade(format string, args ...interface{}) {
	l.Log(LogLevelTrade, format, args...)
}

// Status logs engine status information
func (l *Logger) Status(format string, args ...interface{}) {
	l.Log(LogLevelStatus, format, args...)
}

// Debug logs at debug level
func (l *Logger) Debug(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.zl.Debug().Msgf(format, args...)
}

// LogTradeExecution logs a fill applied to an order
func (l *Logger) LogTradeExecution(orderID, instrument, side string, quantity, price, fee float64, status string) {
	if l == nil {
		return
	}
	l.event(LogLevelTrade).
		Str("order_id", orderID).
		Str("instrument", instrument).
		Str("side", side).
		Float64("quantity", quantity).
		Float64("price", price).
		Float64("fee", fee).
		Str("status", status).
		Msg("fill applied")
}

// LogDecision logs one orchestrator decision with its outcome
func (l *Logger) LogDecision(id, instrument, action string, size, confidence float64, rejection string) {
	if l == nil {
		return
	}
	e := l.event(LogLevelTrade)
	if rejection != "" {
		e = l.event(LogLevelInfo)
	}
	e.Str("decision_id", id).
		Str("instrument", instrument).
		Str("action", action).
		Float64("size", size).
		Float64("confidence", confidence).
		Str("rejection_reason", rejection).
		Msg("decision")
}

// LogEquity logs the account equity after a state change
func (l *Logger) LogEquity(equity, peak, drawdown float64) {
	if l == nil {
		return
	}
	l.event(LogLevelStatus).
		Float64("equity", equity).
		Float64("peak_equity", peak).
		Float64("drawdown", drawdown).
		Msg("equity updated")
}

// LogError logs error with context
func (l *Logger) LogError(context string, err error) {
	if l == nil {
		return
	}
	l.event(LogLevelError).Err(err).Msg(context)
}

// LogWarning logs warning with context
func (l *Logger) LogWarning(context string, message string, args ...interface{}) {
	l.Warning("%s: %s", context, fmt.Sprintf(message, args...))
}

// Close writes the session footer and closes the log file
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.logFile != nil {
		l.zl.Info().
			Str("tag", string(LogLevelStatus)).
			Dur("uptime", time.Since(l.started)).
			Msg("execution session ended")
		err := l.logFile.Close()
		l.logFile = nil
		return err
	}
	return nil
}

// GetLogPath returns the current log file path
func (l *Logger) GetLogPath() string {
	timestamp := time.Now().Format("2006-01-02")
	filename := fmt.Sprintf("%s_%s.log", l.name, timestamp)
	return filepath.Join(l.logDir, filename)
}
