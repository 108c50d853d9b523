package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
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

// ParseLogLevel converts a string to LogLevel
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// Logger is a leveled logger writing to stdout, a file, or both. The
// library embeds into host applications, so it stays quiet at INFO by
// default and never writes outside the configured log file.
type Logger struct {
	level      LogLevel
	output     string
	currentLog *os.File
	mu         sync.RWMutex
}

var (
	globalLogger *Logger
	once         sync.Once
)

// InitLogger initializes the global logger from viper configuration
// (logging.level, logging.output, logging.file).
func InitLogger() error {
	var err error
	once.Do(func() {
		globalLogger, err = NewLogger()
	})
	return err
}

// GetLogger returns the global logger instance, falling back to a basic
// stdout logger when InitLogger was never called.
func GetLogger() *Logger {
	if globalLogger == nil {
		globalLogger = &Logger{level: INFO, output: "stdout"}
	}
	return globalLogger
}

// NewLogger creates a logger instance using the global viper config.
func NewLogger() (*Logger, error) {
	logger := &Logger{
		level:  ParseLogLevel(viper.GetString("logging.level")),
		output: viper.GetString("logging.output"),
	}
	if logger.output == "" {
		logger.output = "stdout"
	}

	if logger.output == "file" || logger.output == "both" {
		path := viper.GetString("logging.file")
		if path == "" {
			path = "threadstr.log"
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logger.currentLog = file
	}

	return logger, nil
}

// SetLevel changes the minimum level at runtime (config reload).
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *Logger) shouldLog(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

func (l *Logger) getWriter() io.Writer {
	l.mu.RLock()
	defer l.mu.RUnlock()

	switch l.output {
	case "file":
		if l.currentLog != nil {
			return l.currentLog
		}
		return os.Stdout
	case "both":
		if l.currentLog != nil {
			return io.MultiWriter(os.Stdout, l.currentLog)
		}
		return os.Stdout
	default:
		return os.Stdout
	}
}

func (l *Logger) formatMessage(level LogLevel, msg string, fields map[string]interface{}) string {
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	result := fmt.Sprintf("%s [%s] %s", timestamp, level.String(), msg)

	if len(fields) > 0 {
		result += " |"
		for k, v := range fields {
			result += fmt.Sprintf(" %s=%v", k, v)
		}
	}

	return result
}

// log is the core logging method
func (l *Logger) log(level LogLevel, msg string, fields map[string]interface{}) {
	if !l.shouldLog(level) {
		return
	}

	fmt.Fprintln(l.getWriter(), l.formatMessage(level, msg, fields))

	if level == FATAL {
		os.Exit(1)
	}
}

// Debug logs debug level messages
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	var f map[string]interface{}
	if len(fields) > 0 {
		f = fields[0]
	}
	l.log(DEBUG, msg, f)
}

// Info logs info level messages
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	var f map[string]interface{}
	if len(fields) > 0 {
		f = fields[0]
	}
	l.log(INFO, msg, f)
}

// Warn logs warning level messages
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	var f map[string]interface{}
	if len(fields) > 0 {
		f = fields[0]
	}
	l.log(WARN, msg, f)
}

// Error logs error level messages
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	var f map[string]interface{}
	if len(fields) > 0 {
		f = fields[0]
	}
	l.log(ERROR, msg, f)
}

// Fatal logs fatal level messages and exits
func (l *Logger) Fatal(msg string, fields ...map[string]interface{}) {
	var f map[string]interface{}
	if len(fields) > 0 {
		f = fields[0]
	}
	l.log(FATAL, msg, f)
}

// Debugf logs debug level messages with formatting
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...))
}

// Infof logs info level messages with formatting
func (l *Logger) Infof(format string, args ...interface{}) {
	l.Info(fmt.Sprintf(format, args...))
}

// Warnf logs warning level messages with formatting
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.Warn(fmt.Sprintf(format, args...))
}

// Errorf logs error level messages with formatting
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...))
}

// Fatalf logs fatal level messages with formatting and exits
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.Fatal(fmt.Sprintf(format, args...))
}

// Close closes the logger and any open files
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.currentLog != nil {
		return l.currentLog.Close()
	}
	return nil
}

// Global convenience functions

// Debug logs on the global logger.
func Debug(msg string, fields ...map[string]interface{}) { GetLogger().Debug(msg, fields...) }

// Info logs on the global logger.
func Info(msg string, fields ...map[string]interface{}) { GetLogger().Info(msg, fields...) }

// Warn logs on the global logger.
func Warn(msg string, fields ...map[string]interface{}) { GetLogger().Warn(msg, fields...) }

// Error logs on the global logger.
func Error(msg string, fields ...map[string]interface{}) { GetLogger().Error(msg, fields...) }

// Fatal logs on the global logger and exits.
func Fatal(msg string, fields ...map[string]interface{}) { GetLogger().Fatal(msg, fields...) }

// Debugf logs on the global logger with formatting.
func Debugf(format string, args ...interface{}) { GetLogger().Debugf(format, args...) }

// Infof logs on the global logger with formatting.
func Infof(format string, args ...interface{}) { GetLogger().Infof(format, args...) }

// Warnf logs on the global logger with formatting.
func Warnf(format string, args ...interface{}) { GetLogger().Warnf(format, args...) }

// Errorf logs on the global logger with formatting.
func Errorf(format string, args ...interface{}) { GetLogger().Errorf(format, args...) }

// Fatalf logs on the global logger with formatting and exits.
func Fatalf(format string, args ...interface{}) { GetLogger().Fatalf(format, args...) }
