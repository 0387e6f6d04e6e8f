package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"
)

// Logger defines a minimal, printf-style logging contract.
//
// Components depend on this interface instead of a concrete logger so tests
// can swap in a no-op or recording implementation.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(value string) Level {
	switch value {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

var (
	rootInstance *rootLogger
	rootOnce     sync.Once
)

// rootLogger owns the shared log file and minimum level. Component loggers
// share it and only differ in their component tag.
type rootLogger struct {
	mu     sync.Mutex
	file   *os.File
	logger *log.Logger
	level  Level
	stdout bool
}

func getRoot() *rootLogger {
	rootOnce.Do(func() {
		rootInstance = &rootLogger{level: LevelInfo, stdout: true}
	})
	return rootInstance
}

// Configure sets the process-wide log destination and minimum level. Safe to
// call once at startup before component loggers are handed out; later calls
// replace the sink for all existing component loggers.
func Configure(path string, level Level, stdout bool) error {
	root := getRoot()
	root.mu.Lock()
	defer root.mu.Unlock()

	root.level = level
	root.stdout = stdout

	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if root.file != nil {
		_ = root.file.Close()
	}
	root.file = file
	root.logger = log.New(file, "", 0)
	return nil
}

func (r *rootLogger) log(component string, level Level, format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if level < r.level {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	message := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("%s [%s] [%s] %s\n", timestamp, level, component, message)

	if r.logger != nil {
		r.logger.Print(line)
	}
	if r.stdout {
		fmt.Print(line)
	}
}

// componentLogger tags every line with its component name.
type componentLogger struct {
	component string
	root      *rootLogger
}

// NewComponentLogger returns the shared application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component, root: getRoot()}
}

func (l *componentLogger) Debug(format string, args ...any) {
	l.root.log(l.component, LevelDebug, format, args...)
}

func (l *componentLogger) Info(format string, args ...any) {
	l.root.log(l.component, LevelInfo, format, args...)
}

func (l *componentLogger) Warn(format string, args ...any) {
	l.root.log(l.component, LevelWarn, format, args...)
}

func (l *componentLogger) Error(format string, args ...any) {
	l.root.log(l.component, LevelError, format, args...)
}

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if IsNil(logger) {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	if len(flattened) == 0 {
		return Nop()
	}
	if len(flattened) == 1 {
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (l *multiLogger) Debug(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Debug(format, args...)
	}
}

func (l *multiLogger) Info(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Info(format, args...)
	}
}

func (l *multiLogger) Warn(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Warn(format, args...)
	}
}

func (l *multiLogger) Error(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Error(format, args...)
	}
}
