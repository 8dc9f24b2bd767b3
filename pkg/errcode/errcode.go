// Package errcode carries the stable string error codes used across the
// control plane. Codes are part of the external contract: they appear in
// logs, audit payloads, and tests, and MUST NOT change between releases.
package errcode

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error is a coded error with an optional context map.
type Error struct {
	Code       string
	Ctx        map[string]string
	KillSwitch bool
}

func (e *Error) Error() string {
	if len(e.Ctx) == 0 {
		return e.Code
	}
	keys := make([]string, 0, len(e.Ctx))
	for k := range e.Ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, e.Ctx[k]))
	}
	return e.Code + " " + strings.Join(parts, " ")
}

// Is matches on code equality so callers can use errors.Is with a bare code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New returns a coded error.
func New(code string) *Error {
	return &Error{Code: code}
}

// Newf returns a coded error with a single free-form context entry.
func Newf(code, key, format string, args ...any) *Error {
	return New(code).With(key, fmt.Sprintf(format, args...))
}

// With attaches a context entry and returns the error for chaining.
func (e *Error) With(key, value string) *Error {
	if e.Ctx == nil {
		e.Ctx = make(map[string]string)
	}
	e.Ctx[key] = value
	return e
}

// KillSwitchError returns a coded error that terminates the controller.
// Kill-switch breaches exit the process with status 2, distinct from
// ordinary task-scope failures.
func KillSwitchError(code string) *Error {
	return &Error{Code: code, KillSwitch: true}
}

// IsKillSwitch reports whether err (or anything it wraps) is a kill-switch.
func IsKillSwitch(err error) bool {
	var e *Error
	for errors.As(err, &e) {
		if e.KillSwitch {
			return true
		}
		err = errors.Unwrap(e)
		if err == nil {
			return false
		}
	}
	return false
}

// Code extracts the stable code from err, or "" when err carries none.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
