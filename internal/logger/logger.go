// Package logger provides the collection service's leveled logging. Cycle
// progress, scrape retries, and store failures all report through the
// package-level functions; Init picks the threshold and output format once
// at startup, and calls made before Init are dropped.
package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// Level orders log severities from most to least verbose.
type Level int

const (
	// DebugLevel traces per-market pipeline steps; disabled in production.
	DebugLevel Level = iota
	// InfoLevel is the default priority, one line per notable cycle event.
	InfoLevel
	// WarnLevel records degraded but self-healing conditions.
	WarnLevel
	// ErrorLevel records failures that need attention.
	ErrorLevel
)

// Logger filters messages below its level before handing them to log.Logger.
type Logger struct {
	level  Level
	logger *log.Logger
}

var defaultLogger *Logger

func parseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Init configures the package logger. format "text" adds caller locations;
// any other format keeps timestamped lines only.
func Init(level string, format string) {
	flags := log.LstdFlags | log.Lmicroseconds
	if strings.ToLower(format) == "text" {
		flags |= log.Lshortfile
	}

	defaultLogger = &Logger{
		level:  parseLevel(level),
		logger: log.New(os.Stderr, "", flags),
	}
}

// Debug logs a message at DebugLevel.
func Debug(format string, args ...interface{}) {
	emit(DebugLevel, "[DEBUG] ", format, args...)
}

// Info logs a message at InfoLevel.
func Info(format string, args ...interface{}) {
	emit(InfoLevel, "[INFO] ", format, args...)
}

// Warn logs a message at WarnLevel.
func Warn(format string, args ...interface{}) {
	emit(WarnLevel, "[WARN] ", format, args...)
}

// Error logs a message at ErrorLevel.
func Error(format string, args ...interface{}) {
	emit(ErrorLevel, "[ERROR] ", format, args...)
}

// Fatal logs a message at the highest priority and exits.
func Fatal(format string, args ...interface{}) {
	msg := fmt.Sprintf("[FATAL] "+format, args...)
	if defaultLogger != nil {
		_ = defaultLogger.logger.Output(2, msg)
	} else {
		log.Fatal(msg)
	}
	os.Exit(1)
}

func emit(at Level, prefix, format string, args ...interface{}) {
	if defaultLogger == nil || defaultLogger.level > at {
		return
	}
	msg := fmt.Sprintf(prefix+format, args...)
	_ = defaultLogger.logger.Output(3, msg)
}
