package log

import (
	"log/slog"
	"time"
)

// Level orders log severities.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

func (l Level) String() string {
	if l < DebugLevel || int(l) >= len(levelNames) {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// slogLevel maps l onto slog's scale. Fatal has no slog counterpart and is
// carried as error.
func (l Level) slogLevel() slog.Level {
	switch {
	case l <= DebugLevel:
		return slog.LevelDebug
	case l == InfoLevel:
		return slog.LevelInfo
	case l == WarnLevel:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func levelFromSlog(l slog.Level) Level {
	switch {
	case l < slog.LevelInfo:
		return DebugLevel
	case l < slog.LevelWarn:
		return InfoLevel
	case l < slog.LevelError:
		return WarnLevel
	default:
		return ErrorLevel
	}
}

// Fields is the structured payload of an entry.
type Fields map[string]any

// Well-known field keys.
const (
	RequestIDKey = "request_id"
	ComponentKey = "component"
)

// Entry is one record handed to a Formatter and the Outputs.
type Entry struct {
	Level     Level
	Message   string
	Fields    Fields
	Timestamp time.Time
	Caller    string
}

// Logger is the logging surface docsync components depend on.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	// With returns a child logger that adds fields to every entry.
	With(fields ...Field) Logger
}

type Formatter interface {
	Format(entry *Entry) ([]byte, error)
}

type Output interface {
	Write(entry *Entry, formatted []byte) error
	Close() error
}

// LoggerOption configures a BaseLogger at construction.
type LoggerOption func(*BaseLogger)

// BaseLogger is the slog-backed Logger.
type BaseLogger struct {
	level     Level
	formatter Formatter
	outputs   []Output
	handler   slog.Handler

	redactKeys       []string
	sampleInitial    int
	sampleThereafter int
}

// NewLogger builds a logger. Without options it logs info and above as JSON to
// stderr.
func NewLogger(options ...LoggerOption) Logger {
	l := &BaseLogger{
		level:     InfoLevel,
		formatter: &JSONFormatter{},
	}
	for _, opt := range options {
		opt(l)
	}
	if len(l.outputs) == 0 {
		l.outputs = []Output{NewConsoleOutput()}
	}
	l.handler = newBridgeHandler(l)
	return l
}

func WithLevel(level Level) LoggerOption {
	return func(l *BaseLogger) { l.level = level }
}

func WithFormatter(formatter Formatter) LoggerOption {
	return func(l *BaseLogger) { l.formatter = formatter }
}

// WithOutput adds an output; entries go to every output in order.
func WithOutput(output Output) LoggerOption {
	return func(l *BaseLogger) { l.outputs = append(l.outputs, output) }
}
