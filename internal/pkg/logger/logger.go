package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log entry.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

// Logger provides structured JSON logging with optional PII redaction.
// Tenant identifiers in this system are email addresses, so redaction is on
// by default.
type Logger struct {
	level     Level
	mu        sync.Mutex
	redactPII bool
}

var defaultLogger = &Logger{level: INFO, redactPII: true}

// SetLevel sets the minimum log level for the default logger.
func SetLevel(l Level) { defaultLogger.level = l }

// SetRedactPII enables or disables PII redaction for the default logger.
func SetRedactPII(r bool) { defaultLogger.redactPII = r }

// Debug emits a DEBUG-level entry for the given component.
func Debug(component, msg string, fields ...interface{}) {
	defaultLogger.log(DEBUG, component, msg, fields...)
}

// Info emits an INFO-level entry for the given component.
func Info(component, msg string, fields ...interface{}) {
	defaultLogger.log(INFO, component, msg, fields...)
}

// Warn emits a WARN-level entry for the given component.
func Warn(component, msg string, fields ...interface{}) {
	defaultLogger.log(WARN, component, msg, fields...)
}

// Error emits an ERROR-level entry for the given component.
func Error(component, msg string, fields ...interface{}) {
	defaultLogger.log(ERROR, component, msg, fields...)
}

func (l *Logger) log(level Level, component, msg string, fields ...interface{}) {
	if level < l.level {
		return
	}

	entry := map[string]interface{}{
		"time":      time.Now().UTC().Format(time.RFC3339),
		"level":     levelNames[level],
		"component": component,
		"msg":       msg,
	}

	for i := 0; i < len(fields)-1; i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		val := fmt.Sprintf("%v", fields[i+1])
		if l.redactPII {
			val = redactValue(key, val)
		}
		entry[key] = val
	}

	data, _ := json.Marshal(entry)
	l.mu.Lock()
	fmt.Fprintln(os.Stderr, string(data))
	l.mu.Unlock()
}

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

func redactValue(key, val string) string {
	lower := strings.ToLower(key)
	// Secrets never reach the log, even truncated.
	if strings.Contains(lower, "password") || strings.Contains(lower, "token") || strings.Contains(lower, "secret") {
		return "[redacted]"
	}
	// Tenant identifiers and account usernames are email addresses.
	if strings.Contains(lower, "email") || strings.Contains(lower, "owner") || strings.Contains(lower, "account") || strings.Contains(lower, "username") {
		return RedactEmail(val)
	}
	return emailRegex.ReplaceAllStringFunc(val, RedactEmail)
}
