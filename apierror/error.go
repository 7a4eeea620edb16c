// Package apierror defines the error type returned when the recording
// backend reports a failure. It carries the HTTP status code and optional
// machine-readable error code so that clients can distinguish
// server-reported failures from plain transport failures.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
)

// Error is the type of error returned by a network client when the server
// reports a failure. It contains an HTTP status code so that API clients
// can interpret the error message.
type Error struct {
	err    error
	status int
	code   string
}

// errorEnvelope is the JSON error body emitted by the recording backend.
type errorEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"error_code,omitempty"`
}

func New(err error, status int) *Error {
	return &Error{
		err:    err,
		status: status,
	}
}

// FromResponse creates an error from an HTTP response status and body. If
// the body is the backend's JSON error envelope, the embedded message and
// error code are used. Otherwise the body text becomes the message.
func FromResponse(status int, body []byte) error {
	var msg, code string
	var env errorEnvelope
	if jerr := json.Unmarshal(body, &env); jerr == nil && env.Error != "" {
		msg = env.Error
		code = env.Code
	} else {
		msg = strings.TrimSpace(string(body))
	}

	var err error
	if msg != "" {
		err = errors.New(msg)
	}
	if status == 0 && code == "" {
		return err
	}
	return &Error{
		err:    err,
		status: status,
		code:   code,
	}
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	if e.status == 0 {
		return ""
	}
	// If there is only status, then return status text.
	if text := http.StatusText(e.status); text != "" {
		return fmt.Sprintf("%d %s", e.status, text)
	}
	return fmt.Sprintf("%d", e.status)
}

// Status returns the HTTP status code the server responded with.
func (e *Error) Status() int {
	return e.status
}

// Code returns the backend's machine-readable error code, such as
// "NOT_FOUND" or "VALIDATION_ERROR", if one was reported.
func (e *Error) Code() string {
	return e.code
}

// Text returns the status, status text, and message as a single string.
func (e *Error) Text() string {
	parts := make([]string, 0, 5)
	if e.status != 0 {
		parts = append(parts, fmt.Sprintf("%d", e.status))
		text := http.StatusText(e.status)
		if text != "" {
			parts = append(parts, " ")
			parts = append(parts, text)
		}
	}
	if e.err != nil {
		if len(parts) != 0 {
			parts = append(parts, ": ")
		}
		parts = append(parts, e.err.Error())
	}
	return strings.Join(parts, "")
}

func (e *Error) Unwrap() error {
	return e.err
}
