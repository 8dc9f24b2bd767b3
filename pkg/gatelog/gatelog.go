// Package gatelog is the append-only, line-delimited log for governance
// gate activity. Lines are "<UTC> [component] message" and every message
// is scrubbed of credentials before it touches disk. Logging never fails
// the caller: a gate decision must not depend on log I/O.
package gatelog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// DefaultPath is used when no path is configured.
const DefaultPath = "governance/logs/pr-gate.log"

var (
	authHeaderRe = regexp.MustCompile(`(?i)authorization\s*[:=]\s*[^\s,;]+`)
	bearerRe     = regexp.MustCompile(`(?i)\b(token|bearer)\s+[A-Za-z0-9._\-]+`)
	spaceRe      = regexp.MustCompile(`\s+`)
)

// Sanitize collapses whitespace and redacts credential material.
func Sanitize(text string) string {
	text = authHeaderRe.ReplaceAllString(text, "Authorization=[REDACTED]")
	text = bearerRe.ReplaceAllString(text, "$1 [REDACTED]")
	return strings.TrimSpace(spaceRe.ReplaceAllString(text, " "))
}

// Logger appends sanitized lines to one log file.
type Logger struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// New returns a Logger writing to path (DefaultPath when empty).
func New(path string) *Logger {
	if path == "" {
		path = DefaultPath
	}
	return &Logger{path: path, now: time.Now}
}

// Path returns the log file path.
func (l *Logger) Path() string { return l.path }

// Event appends one line attributed to component.
func (l *Logger) Event(component, message string) {
	line := fmt.Sprintf("%s [%s] %s",
		l.now().UTC().Format("2006-01-02T15:04:05Z"),
		Sanitize(component),
		Sanitize(message),
	)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintln(f, line)
}
