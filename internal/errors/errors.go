// Package errors consolidates error definitions for the entire daemon.
//
// This package provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Error to HTTP status mapping
// - Error wrapping utilities
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Storage errors
	ErrDatabaseNotFound      = errors.New("database file doesn't exist")
	ErrDatabaseAlreadyExists = errors.New("database file already exists")
	ErrConnectionClosed      = errors.New("connection is closed")
	ErrSessionClosed         = errors.New("session is closed")
	ErrCursorClosed          = errors.New("cursor is closed")
	ErrLateWrite             = errors.New("late write")
	ErrDuplicateTimestamp    = errors.New("duplicate timestamp")
	ErrUnknownSeries         = errors.New("unknown series")
	ErrBackendBusy           = errors.New("backend busy")

	// Query pipeline errors
	ErrNotStarted     = errors.New("not started")
	ErrAlreadyStarted = errors.New("already started")
	ErrBadQuery       = errors.New("invalid query")
	ErrNotFound       = errors.New("not found")

	// Protocol errors
	ErrBadProtocol  = errors.New("protocol error")
	ErrBadSeries    = errors.New("invalid series name")
	ErrBadTimestamp = errors.New("invalid timestamp")
	ErrBadValue     = errors.New("invalid value")

	// Configuration errors
	ErrBadConfig = errors.New("invalid configuration")
	ErrBadSize   = errors.New("invalid size value")

	// Server framework errors
	ErrUnknownProtocol = errors.New("unknown protocol")
	ErrBadSettings     = errors.New("invalid server settings")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// IsDatabaseError returns true if err was produced by the storage engine
// while writing. These errors abort the current ingestion batch but do
// not stop the server.
func IsDatabaseError(err error) bool {
	return errors.Is(err, ErrLateWrite) ||
		errors.Is(err, ErrDuplicateTimestamp) ||
		errors.Is(err, ErrUnknownSeries) ||
		errors.Is(err, ErrBackendBusy)
}

// IsProtocolError returns true if err is a wire parsing error. These
// errors discard the current batch/parser and continue ingestion.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrBadProtocol) ||
		errors.Is(err, ErrBadSeries) ||
		errors.Is(err, ErrBadTimestamp) ||
		errors.Is(err, ErrBadValue)
}

// IsStateError returns true if err is a query pipeline state error.
func IsStateError(err error) bool {
	return errors.Is(err, ErrNotStarted) ||
		errors.Is(err, ErrAlreadyStarted)
}

// ============================================================================
// Error to HTTP status mapping
// ============================================================================

// HTTPStatus maps an error to the HTTP status code returned by the
// query API.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case Is(err, ErrBadQuery), IsProtocolError(err), IsStateError(err):
		return http.StatusBadRequest
	case Is(err, ErrNotFound), Is(err, ErrUnknownSeries), Is(err, ErrDatabaseNotFound):
		return http.StatusNotFound
	case Is(err, ErrBackendBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
