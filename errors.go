// Package bridge holds the protocol-level types shared by every layer of the
// webchat bridge: the error taxonomy and the Gateway protocol constants.
package bridge

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error is the typed error carried from the Gateway client outward. It is
// created once at the RPC boundary and passes through the session layer
// unchanged; the HTTP layer classifies it into a status by Code.
type Error struct {
	// Code is one of the taxonomy constants (Unauthorized, GatewayRPCError, ...).
	Code string
	// Message is a short human-readable description.
	Message string
	// Details carries the upstream error body, if any.
	Details any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError constructs a taxonomy error.
func NewError(code, message string, details any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

// Errorf constructs a taxonomy error with a formatted message.
func Errorf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the taxonomy code of err, or Internal when err is not a
// bridge error.
func CodeOf(err error) string {
	var target *Error
	if errors.As(err, &target) {
		return target.Code
	}
	return Internal
}

// AsError returns err as *Error, wrapping foreign errors as Internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var target *Error
	if errors.As(err, &target) {
		return target
	}
	return &Error{Code: Internal, Message: err.Error()}
}

// IsAuthCode reports whether an upstream error code belongs to the auth
// class. The Gateway emits both symbolic and numeric variants.
func IsAuthCode(code string) bool {
	switch strings.ToUpper(code) {
	case "UNAUTHORIZED", "FORBIDDEN", "401", "403":
		return true
	}
	return false
}

// HTTPStatus maps a taxonomy code to its HTTP response status.
func HTTPStatus(code string) int {
	switch code {
	case Unauthorized, InvalidToken:
		return http.StatusUnauthorized
	case GatewayConnectFailed, GatewayRPCError:
		return http.StatusBadGateway
	case BadRequest:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case StreamingDisabled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
