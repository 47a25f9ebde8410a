package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	// TRACE level for very detailed connection-by-connection output
	TRACE LogLevel = iota
	// DEBUG level for detailed troubleshooting information
	DEBUG
	// INFO level for general operational information
	INFO
	// WARN level for non-critical issues
	WARN
	// ERROR level for error conditions
	ERROR
	// FATAL level for critical errors that prevent operation
	FATAL
)

var (
	mu           sync.RWMutex
	currentLevel LogLevel = INFO
	stdLogger             = log.New(os.Stdout, "", log.LstdFlags)
)

// SetLevel sets the current logging level
func SetLevel(level LogLevel) {
	mu.Lock()
	currentLevel = level
	mu.Unlock()
}

// SetOutput redirects log output, mainly used by tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	stdLogger = log.New(w, "", log.LstdFlags)
	mu.Unlock()
}

// IsLevelEnabled reports whether messages at the given level would be logged.
func IsLevelEnabled(level LogLevel) bool {
	mu.RLock()
	defer mu.RUnlock()
	return level >= currentLevel
}

// GetLevelFromString converts a string level to LogLevel
func GetLevelFromString(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "TRACE":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

func levelToString(level LogLevel) string {
	switch level {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func logMessage(level LogLevel, format string, v ...any) {
	mu.RLock()
	enabled := level >= currentLevel
	l := stdLogger
	mu.RUnlock()
	if !enabled {
		return
	}

	msg := fmt.Sprintf(format, v...)
	l.Printf("[%s] %s", levelToString(level), msg)
}

// Trace logs a trace message
// Arguments are handled in the manner of [fmt.Printf].
func Trace(format string, v ...any) {
	logMessage(TRACE, format, v...)
}

// Debug logs a debug message
// Arguments are handled in the manner of [fmt.Printf].
func Debug(format string, v ...any) {
	logMessage(DEBUG, format, v...)
}

// Info logs an informational message
// Arguments are handled in the manner of [fmt.Printf].
func Info(format string, v ...any) {
	logMessage(INFO, format, v...)
}

// Warn logs a warning message
// Arguments are handled in the manner of [fmt.Printf].
func Warn(format string, v ...any) {
	logMessage(WARN, format, v...)
}

// Error logs an error message
// Arguments are handled in the manner of [fmt.Printf].
func Error(format string, v ...any) {
	logMessage(ERROR, format, v...)
}

// Fatal logs a fatal message and exits
// Arguments are handled in the manner of [fmt.Printf].
func Fatal(format string, v ...any) {
	logMessage(FATAL, format, v...)
	os.Exit(1)
}

// WithEscaper prefixes a log message with the escaper name that produced it.
// Arguments are handled in the manner of [fmt.Printf].
func WithEscaper(escaper, format string, v ...any) string {
	return fmt.Sprintf("[%s] %s", escaper, fmt.Sprintf(format, v...))
}
