package client

import (
	"errors"
	"fmt"
)

const (
	// DefaultErrorMessage is used when neither the envelope nor the transport
	// status explains a failure.
	DefaultErrorMessage = "unknown error while fetching data"
	// SessionExpiredMessage is used for a 401 whose envelope has no message.
	SessionExpiredMessage = "session expired, please sign in again"
	// MissingDataMessage describes a 2xx envelope without data.
	MissingDataMessage = "successful response missing expected data"
	// TransportMessage is shown for failures before any response arrived.
	TransportMessage = "could not reach the server, check your connection and try again"
)

var (
	// ErrSessionExpired matches a 401 APIError.
	ErrSessionExpired = errors.New("session expired")
	// ErrContractViolation matches a 2xx response the client cannot use.
	ErrContractViolation = errors.New("contract violation")
)

// TransportError is a failure before any HTTP response was received.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UserMessage implements the messenger interface used by Message.
func (e *TransportError) UserMessage() string { return TransportMessage }

// APIError is a non-2xx response. Message is already resolved for display.
type APIError struct {
	Status  int
	Message string
	Details any
}

func (e *APIError) Error() string { return e.Message }

// Is reports ErrSessionExpired for 401 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrSessionExpired && e.SessionExpired()
}

// SessionExpired reports whether this error ended the session.
func (e *APIError) SessionExpired() bool { return e.Status == 401 }

func (e *APIError) UserMessage() string { return e.Message }

// ContractError is a 2xx response that lacks data or cannot be decoded.
type ContractError struct {
	Status int
	Reason string
	Err    error
}

func (e *ContractError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ContractError) Unwrap() error { return e.Err }

func (e *ContractError) Is(target error) bool { return target == ErrContractViolation }

func (e *ContractError) UserMessage() string { return e.Reason }

// Message returns the single human-readable line shown for err. Errors that
// know their display text provide it through a UserMessage method.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var m interface{ UserMessage() string }
	if errors.As(err, &m) {
		if msg := m.UserMessage(); msg != "" {
			return msg
		}
	}
	return err.Error()
}

// resolveMessage applies the display precedence for a failed response:
// structured error message, envelope message, plain-string error, transport
// status text, then the default.
func resolveMessage(env rawEnvelope, statusText string) string {
	switch {
	case env.Error != nil && env.Error.Message != "":
		return env.Error.Message
	case env.Message != "":
		return env.Message
	case env.Error != nil && env.Error.Text != "":
		return env.Error.Text
	case statusText != "":
		return statusText
	default:
		return DefaultErrorMessage
	}
}
