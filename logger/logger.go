package logger

import (
	"log"
	"os"
	"strings"
)

// LogLevel represents the logging level
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

var currentLevel LogLevel = LevelInfo

func init() {
	log.SetFlags(log.Ldate | log.Ltime)

	switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
	case "DEBUG":
		currentLevel = LevelDebug
	case "WARN", "WARNING":
		currentLevel = LevelWarn
	case "ERROR":
		currentLevel = LevelError
	default:
		currentLevel = LevelInfo
	}
}

// Debug logs a debug message (only shown when LOG_LEVEL=DEBUG)
func Debug(format string, v ...interface{}) {
	if currentLevel <= LevelDebug {
		log.Printf("[DEBUG] "+format, v...)
	}
}

// Info logs an info message
func Info(format string, v ...interface{}) {
	if currentLevel <= LevelInfo {
		log.Printf("[INFO] "+format, v...)
	}
}

// Warn logs a warning message
func Warn(format string, v ...interface{}) {
	if currentLevel <= LevelWarn {
		log.Printf("[WARN] "+format, v...)
	}
}

// Error logs an error message
func Error(format string, v ...interface{}) {
	if currentLevel <= LevelError {
		log.Printf("[ERROR] "+format, v...)
	}
}

// ComponentLogger prefixes every message with a component tag, e.g.
// "syncer[proj-1:main]", so interleaved sessions stay readable.
type ComponentLogger struct {
	prefix string
}

// Component returns a logger scoped to the given component name.
func Component(name string) *ComponentLogger {
	return &ComponentLogger{prefix: name + ": "}
}

func (c *ComponentLogger) Debug(format string, v ...interface{}) {
	Debug(c.prefix+format, v...)
}

func (c *ComponentLogger) Info(format string, v ...interface{}) {
	Info(c.prefix+format, v...)
}

func (c *ComponentLogger) Warn(format string, v ...interface{}) {
	Warn(c.prefix+format, v...)
}

func (c *ComponentLogger) Error(format string, v ...interface{}) {
	Error(c.prefix+format, v...)
}
