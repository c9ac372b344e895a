// Package logger provides component-scoped structured logging.
package logger

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	mu    sync.Mutex
	out   = os.Stderr
	debug atomic.Bool
)

// SetDebug toggles debug-level output.
func SetDebug(enabled bool) {
	debug.Store(enabled)
}

// DebugEnabled reports whether debug logging is on.
func DebugEnabled() bool {
	return debug.Load()
}

// InfoCF logs an info line for a component with structured fields.
func InfoCF(component, message string, fields map[string]interface{}) {
	write("INFO", component, message, fields)
}

// WarnCF logs a warning line for a component with structured fields.
func WarnCF(component, message string, fields map[string]interface{}) {
	write("WARN", component, message, fields)
}

// ErrorCF logs an error line for a component with structured fields.
func ErrorCF(component, message string, fields map[string]interface{}) {
	write("ERROR", component, message, fields)
}

// DebugCF logs a debug line when debug logging is enabled.
func DebugCF(component, message string, fields map[string]interface{}) {
	if !debug.Load() {
		return
	}
	write("DEBUG", component, message, fields)
}

func write(level, component, message string, fields map[string]interface{}) {
	var b strings.Builder
	b.WriteString(time.Now().Format("2006-01-02 15:04:05"))
	b.WriteString(" [")
	b.WriteString(level)
	b.WriteString("] [")
	b.WriteString(component)
	b.WriteString("] ")
	b.WriteString(message)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(" ")
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(fmt.Sprintf("%v", fields[k]))
		}
	}

	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintln(out, b.String())
}
