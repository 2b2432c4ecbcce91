package identity

import (
	"fmt"
	"net/http"
)

// Error is a rejection from the identity provider.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("identity provider: %s (%d %s)", e.Message, e.Status, e.Code)
	}
	return fmt.Sprintf("identity provider: %s (%d)", e.Message, e.Status)
}

// UserMessage is the text shown for the rejection.
func (e *Error) UserMessage() string {
	switch e.Code {
	case "invalid_credentials", "invalid_grant":
		return "invalid phone number or password"
	case "otp_expired", "otp_disabled":
		return "the code is invalid or has expired"
	case "user_already_exists", "phone_exists":
		return "an account with this phone number already exists"
	case "phone_not_confirmed":
		return "confirm your phone number with the code we sent before signing in"
	case "weak_password":
		return "password is too weak; choose a more complex value"
	case "over_request_rate_limit", "over_sms_send_rate_limit":
		return "too many attempts, wait a moment and try again"
	}
	if e.Status == http.StatusTooManyRequests {
		return "too many attempts, wait a moment and try again"
	}
	if e.Message != "" {
		return e.Message
	}
	return "authentication failed, please try again"
}

// errorBody covers the error shapes GoTrue has used across versions.
type errorBody struct {
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	Err              string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (b errorBody) toError(status int) *Error {
	e := &Error{Status: status, Code: b.ErrorCode}
	if e.Code == "" {
		e.Code = b.Err
	}
	for _, m := range []string{b.Msg, b.Message, b.ErrorDescription, b.Err} {
		if m != "" {
			e.Message = m
			break
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}
